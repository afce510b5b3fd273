// Package manager owns a ULP context: the per-device session that ties
// the port, mark and flow databases, the generic tables and the
// template mapper to one table facility.
//
// # Session lifecycle
//
// Open builds a context in steps, each of which pushes its inverse onto
// an undo stack:
//
//  1. take the per-device session lock (a second Open fails with BUSY)
//  2. interrogate the device over the firmware transport and seed the
//     port database from the reported ports
//  3. allocate the table scope and write the global configuration
//  4. allocate the template set's global resources
//  5. start the counter task
//
// A failing step unwinds the ones before it. Close flushes every flow
// and then runs the same stack, so a closed context leaves nothing
// allocated in the facility.
//
// # Serialisation
//
// Installs, uninstalls, flushes and port updates are serialised by one
// mutex per context. The counter task takes the mutex only to collect
// counter ids; facility reads happen outside it.
package manager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/flowdb"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/gentbl"
	"github.com/frobware/go-ufp/keyrecipe"
	"github.com/frobware/go-ufp/lock"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/mapper"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/matcher"
	"github.com/frobware/go-ufp/portdb"
	"github.com/frobware/go-ufp/template"
	"github.com/frobware/go-ufp/tf"
)

// Exact-match record bounds requested for the table scope.
const (
	scopeKeyBytes    = 64
	scopeResultBytes = 16
)

// Options configure a context. Device, LockDir, Facility and Firmware
// are required.
type Options struct {
	Device   string
	LockDir  string
	NumPorts int
	MaxFlows uint32
	Marks    markdb.Config
	// Tables defaults to gentbl.DefaultDescriptors.
	Tables []gentbl.Descriptor
	// Templates defaults to template.Builtin.
	Templates *template.Set
	// Counters.Interval of zero leaves polling to PollCounters.
	Counters counter.Config
	Facility tf.Facility
	Firmware *fw.Client
	Logger   *slog.Logger
}

// Manager is one ULP context.
type Manager struct {
	device  string
	session uuid.UUID
	opened  time.Time
	logger  *slog.Logger

	fac     tf.Facility
	info    fw.Device
	tmpl    *template.Set
	tables  *gentbl.Set
	recipes *keyrecipe.Store
	ports   *portdb.DB
	marks   *markdb.DB
	flows   *flowdb.DB
	mapper  *mapper.Mapper
	matcher *matcher.Matcher
	acc     *counter.Accumulator

	// mu serialises every operation that walks templates or mutates
	// flows.
	mu     sync.Mutex
	closed bool
	undo   undoStack

	stopCounters context.CancelFunc
	countersDone chan struct{}
}

func (o *Options) validate() error {
	var missing []string
	if o.Device == "" {
		missing = append(missing, "device")
	}
	if o.LockDir == "" {
		missing = append(missing, "lock dir")
	}
	if o.Facility == nil {
		missing = append(missing, "facility")
	}
	if o.Firmware == nil {
		missing = append(missing, "firmware client")
	}
	if len(missing) > 0 {
		return ufp.Errorf(ufp.KindInvalidArg, "manager options: missing %v", missing)
	}
	if o.NumPorts <= 0 || o.MaxFlows == 0 {
		return ufp.Errorf(ufp.KindInvalidArg, "manager options: %d ports, %d flows", o.NumPorts, o.MaxFlows)
	}
	// Mark rows use the flow id as the LFID.
	if o.Marks.LFIDEntries <= o.MaxFlows {
		return ufp.Errorf(ufp.KindInvalidArg, "manager options: %d lfid entries for %d flows", o.Marks.LFIDEntries, o.MaxFlows)
	}
	return nil
}

// Open initialises a context on the device named in opts.
func Open(ctx context.Context, opts Options) (_ *Manager, err error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = WithOpIDHandler(logger)
	ctx = withOp(ctx)

	m := &Manager{
		device:  opts.Device,
		session: uuid.New(),
		opened:  time.Now(),
		fac:     opts.Facility,
		tmpl:    opts.Templates,
	}
	m.logger = logger.With(logging.ComponentKey, "manager", "device", m.device, "session", m.session.String())
	if m.tmpl == nil {
		m.tmpl = template.Builtin()
	}

	defer func() {
		if err != nil {
			m.logger.WarnContext(ctx, "open failed, unwinding", "error", err)
			if rbErr := m.undo.rollback(ctx, m.logger); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	sess, err := lock.TryAcquire(opts.LockDir, opts.Device)
	if err != nil {
		return nil, err
	}
	m.undo.push("session lock", func(context.Context) error { return sess.Close() })

	if m.info, err = fw.Interrogate(ctx, opts.Firmware); err != nil {
		return nil, fmt.Errorf("interrogate %s: %w", opts.Device, err)
	}
	if !m.info.Features.Has(fw.FeatureFlowOffload) {
		return nil, ufp.Errorf(ufp.KindInvalidArg, "device %s does not offload flows (features: %s)", opts.Device, m.info.Features)
	}
	m.logger.InfoContext(ctx, "device interrogated",
		"driver", m.info.Version.Driver,
		"firmware", m.info.Version.Firmware,
		"features", m.info.Features.String(),
		"ports", len(m.info.Ports))

	if err := m.buildStores(opts, logger); err != nil {
		return nil, err
	}
	for _, d := range m.info.Ports {
		if err := m.ports.Update(d); err != nil {
			return nil, fmt.Errorf("seed port %d: %w", d.LogicalID, err)
		}
	}

	scope, err := m.fac.AllocTblScope(ctx, tf.ScopeParams{
		MaxFlows:    [ufp.NumDirections]uint32{opts.MaxFlows, opts.MaxFlows},
		KeyBytes:    scopeKeyBytes,
		ResultBytes: scopeResultBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("table scope: %w", err)
	}
	m.undo.push("table scope", func(ctx context.Context) error { return m.fac.FreeTblScope(ctx, scope) })

	for _, dir := range []ufp.Direction{ufp.DirRX, ufp.DirTX} {
		v := binary.BigEndian.AppendUint32(nil, scope)
		if err := m.fac.SetGlobalCfg(ctx, tf.GlobalCfg{
			Dir: dir, Type: tf.GlobalCfgTblScope, Value: v, Mask: []byte{0xff, 0xff, 0xff, 0xff},
		}); err != nil {
			return nil, fmt.Errorf("global config %s: %w", dir, err)
		}
	}

	if err := m.mapper.InitGlobal(ctx); err != nil {
		return nil, err
	}
	m.undo.push("global resources", m.mapper.ReleaseGlobal)

	m.acc = counter.New(counter.SourceFunc(m.CounterIDs), m.fac, opts.Counters, logger)
	if opts.Counters.Interval > 0 {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.stopCounters = cancel
		m.countersDone = make(chan struct{})
		go func() {
			defer close(m.countersDone)
			_ = m.acc.Run(cctx)
		}()
		m.undo.push("counter task", func(context.Context) error {
			cancel()
			<-m.countersDone
			return nil
		})
	}

	m.logger.InfoContext(ctx, "context open", "scope", scope, "max_flows", opts.MaxFlows)
	return m, nil
}

func (m *Manager) buildStores(opts Options, logger *slog.Logger) error {
	descs := opts.Tables
	if descs == nil {
		descs = gentbl.DefaultDescriptors()
	}
	var err error
	if m.tables, err = gentbl.NewSet(descs); err != nil {
		return err
	}
	if m.recipes, err = keyrecipe.New(m.tables); err != nil {
		return err
	}
	if m.ports, err = portdb.New(opts.NumPorts); err != nil {
		return err
	}
	if m.marks, err = markdb.New(opts.Marks); err != nil {
		return err
	}
	if m.flows, err = flowdb.New(opts.MaxFlows, logger); err != nil {
		return err
	}
	m.mapper, err = mapper.New(mapper.Deps{
		Facility:  m.fac,
		Templates: m.tmpl,
		Tables:    m.tables,
		Recipes:   m.recipes,
		Ports:     m.ports,
		Marks:     m.marks,
		Flows:     m.flows,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	m.matcher = matcher.New(m.tmpl)
	return nil
}

// Close flushes every flow and releases what Open acquired. Errors are
// logged and joined; the context is unusable afterwards either way.
func (m *Manager) Close(ctx context.Context) error {
	ctx = withOp(ctx)

	// The counter task takes mu, so it must be gone before we do.
	if m.stopCounters != nil {
		m.stopCounters()
		<-m.countersDone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	flushErr := m.flushAllLocked(ctx)
	undoErr := m.undo.rollback(ctx, m.logger)
	m.logger.InfoContext(ctx, "context closed", "error", errors.Join(flushErr, undoErr))
	return errors.Join(flushErr, undoErr)
}

// flushAllLocked removes every user flow, children before parents so
// no parent is busy. RID flows go with the last reference to them.
func (m *Manager) flushAllLocked(ctx context.Context) error {
	var errs []error
	for _, pass := range []func(ufp.FlowType) bool{
		func(t ufp.FlowType) bool { return t == ufp.FlowTypeChild },
		func(t ufp.FlowType) bool { return t != ufp.FlowTypeRID },
	} {
		for _, f := range m.flows.Flows() {
			if !pass(f.Type) {
				continue
			}
			if err := m.flows.FlowFlush(ctx, f.ID); err != nil && !errors.Is(err, ufp.ErrNotFound) {
				errs = append(errs, fmt.Errorf("flush flow %d: %w", f.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ufp.Errorf(ufp.KindInvalidArg, "context on %s is closed", m.device)
	}
	return nil
}

// Device returns the device name.
func (m *Manager) Device() string { return m.device }

// Session returns the id of this context.
func (m *Manager) Session() uuid.UUID { return m.session }

// Info returns what the device reported at Open.
func (m *Manager) Info() fw.Device { return m.info }

// Templates returns the template set in use.
func (m *Manager) Templates() *template.Set { return m.tmpl }

// Facility returns the table facility the context drives.
func (m *Manager) Facility() tf.Facility { return m.fac }
