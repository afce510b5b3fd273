// Package ebpf is a table facility whose tables are BPF maps, so a
// datapath program can look up what the control plane programmed.
//
// Allocation, bounds and duplicate detection are delegated to an
// in-memory facility; every successful mutation is then mirrored into
// one BPF hash map per (resource function, direction, type), keyed by
// index or handle. A failed map update undoes the in-memory step, so
// the two never disagree about what is allocated. With a pin directory
// the maps are pinned by name and survive the process.
package ebpf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/tf"
	"github.com/frobware/go-ufp/tf/memory"
)

// ValueSize is the fixed size of every map value.
const ValueSize = 256

type mapKey struct {
	fn  ufp.ResourceFunc
	dir ufp.Direction
	typ uint16
}

var fnTags = map[ufp.ResourceFunc]string{
	ufp.ResourceFuncIdentifier: "id",
	ufp.ResourceFuncIndexTable: "tbl",
	ufp.ResourceFuncTCAMTable:  "tcam",
	ufp.ResourceFuncEMTable:    "em",
	ufp.ResourceFuncIfTable:    "if",
}

// name is the BPF map name of a table, within the kernel's 15-byte
// limit.
func (k mapKey) name() string {
	return fmt.Sprintf("ufp_%s_%s_%d", fnTags[k.fn], k.dir, k.typ)
}

// Facility implements tf.Facility over BPF maps.
type Facility struct {
	mem    *memory.Facility
	cfg    memory.Config
	pinDir string
	unpin  bool
	logger *slog.Logger

	mu   sync.Mutex
	maps map[mapKey]*ebpf.Map
}

var _ tf.Facility = (*Facility)(nil)

// Option configures a Facility.
type Option func(*Facility)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facility) { f.logger = logger }
}

// WithPinDir pins every map by name under dir, which must be on a
// bpffs. Maps already pinned there are reused.
func WithPinDir(dir string) Option {
	return func(f *Facility) { f.pinDir = dir }
}

// WithUnpinOnClose removes the pins when the facility is closed.
func WithUnpinOnClose() Option {
	return func(f *Facility) { f.unpin = true }
}

// New creates a facility sized by cfg. Maps are created on first use.
func New(cfg memory.Config, opts ...Option) (*Facility, error) {
	f := &Facility{
		mem:    memory.New(cfg),
		cfg:    cfg,
		logger: logging.Discard(),
		maps:   make(map[mapKey]*ebpf.Map),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(logging.ComponentKey, "tf")
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}
	return f, nil
}

// Probe reports whether BPF hash maps can be created.
func Probe() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return err
	}
	m, err := ebpf.NewMap(&ebpf.MapSpec{Type: ebpf.Hash, KeySize: 4, ValueSize: 4, MaxEntries: 1})
	if err != nil {
		return err
	}
	return m.Close()
}

func (f *Facility) capacity(k mapKey) uint32 {
	var n uint32
	switch k.fn {
	case ufp.ResourceFuncIdentifier:
		n = f.cfg.Idents[tf.IdentType(k.typ)]
	case ufp.ResourceFuncIndexTable:
		n = f.cfg.Tables[tf.TableType(k.typ)]
	case ufp.ResourceFuncTCAMTable:
		n = f.cfg.TCAMs[tf.TCAMType(k.typ)]
	case ufp.ResourceFuncEMTable:
		n = f.cfg.EMEntries[tf.EMType(k.typ)]
	case ufp.ResourceFuncIfTable:
		n = f.cfg.IfEntries
	}
	return n + 1
}

func (f *Facility) bpfMap(k mapKey) (*ebpf.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.maps[k]; ok {
		return m, nil
	}
	spec := &ebpf.MapSpec{
		Name:       k.name(),
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  ValueSize,
		MaxEntries: f.capacity(k),
	}
	var opts ebpf.MapOptions
	if f.pinDir != "" {
		spec.Pinning = ebpf.PinByName
		opts.PinPath = f.pinDir
	}
	m, err := ebpf.NewMapWithOptions(spec, opts)
	if err != nil {
		return nil, fmt.Errorf("create map %s: %w", spec.Name, err)
	}
	f.maps[k] = m
	f.logger.Debug("map created", "name", spec.Name, "max_entries", spec.MaxEntries, "pinned", f.pinDir != "")
	return m, nil
}

// encode packs length-prefixed segments into one map value.
func encode(segs ...[]byte) ([]byte, error) {
	v := make([]byte, ValueSize)
	off := 0
	for _, s := range segs {
		if off+2+len(s) > ValueSize {
			return nil, fmt.Errorf("record of more than %d bytes: %w", ValueSize, ufp.ErrInvalidArg)
		}
		binary.BigEndian.PutUint16(v[off:], uint16(len(s)))
		copy(v[off+2:], s)
		off += 2 + len(s)
	}
	return v, nil
}

// decode splits a map value into n segments.
func decode(v []byte, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	off := 0
	for range n {
		if off+2 > len(v) {
			return nil, ufp.Errorf(ufp.KindInternal, "truncated map value")
		}
		l := int(binary.BigEndian.Uint16(v[off:]))
		if off+2+l > len(v) {
			return nil, ufp.Errorf(ufp.KindInternal, "truncated map value")
		}
		out = append(out, v[off+2:off+2+l])
		off += 2 + l
	}
	return out, nil
}

func (f *Facility) put(k mapKey, idx uint32, segs ...[]byte) error {
	m, err := f.bpfMap(k)
	if err != nil {
		return err
	}
	v, err := encode(segs...)
	if err != nil {
		return err
	}
	if err := m.Put(idx, v); err != nil {
		return fmt.Errorf("%s[%d]: %w", k.name(), idx, err)
	}
	return nil
}

func (f *Facility) del(k mapKey, idx uint32) error {
	m, err := f.bpfMap(k)
	if err != nil {
		return err
	}
	if err := m.Delete(idx); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("%s[%d]: %w", k.name(), idx, err)
	}
	return nil
}

// lookup returns the n segments stored for idx in one table.
func (f *Facility) lookup(k mapKey, idx uint32, n int) ([][]byte, error) {
	m, err := f.bpfMap(k)
	if err != nil {
		return nil, err
	}
	v := make([]byte, ValueSize)
	if err := m.Lookup(idx, v); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, fmt.Errorf("%s[%d]: %w", k.name(), idx, ufp.ErrNotFound)
		}
		return nil, fmt.Errorf("%s[%d]: %w", k.name(), idx, err)
	}
	return decode(v, n)
}

// undo logs a failed compensation; the original error is what the
// caller sees.
func (f *Facility) undo(ctx context.Context, what string, err error) {
	if err != nil {
		f.logger.WarnContext(ctx, "undo after map failure", "step", what, "error", err)
	}
}

func (f *Facility) AllocIdent(ctx context.Context, dir ufp.Direction, typ tf.IdentType) (uint32, error) {
	id, err := f.mem.AllocIdent(ctx, dir, typ)
	if err != nil {
		return 0, err
	}
	if err := f.put(mapKey{ufp.ResourceFuncIdentifier, dir, uint16(typ)}, id); err != nil {
		f.undo(ctx, "free-ident", f.mem.FreeIdent(ctx, dir, typ, id))
		return 0, err
	}
	return id, nil
}

func (f *Facility) FreeIdent(ctx context.Context, dir ufp.Direction, typ tf.IdentType, id uint32) error {
	if err := f.mem.FreeIdent(ctx, dir, typ, id); err != nil {
		return err
	}
	return f.del(mapKey{ufp.ResourceFuncIdentifier, dir, uint16(typ)}, id)
}

func (f *Facility) AllocTblEntry(ctx context.Context, dir ufp.Direction, typ tf.TableType) (uint32, error) {
	idx, err := f.mem.AllocTblEntry(ctx, dir, typ)
	if err != nil {
		return 0, err
	}
	if err := f.put(mapKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}, idx, nil); err != nil {
		f.undo(ctx, "free-tbl", f.mem.FreeTblEntry(ctx, dir, typ, idx))
		return 0, err
	}
	return idx, nil
}

func (f *Facility) SetTblEntry(ctx context.Context, dir ufp.Direction, typ tf.TableType, idx uint32, data []byte) error {
	if len(data)+2 > ValueSize {
		return fmt.Errorf("table entry of %d bytes: %w", len(data), ufp.ErrInvalidArg)
	}
	if err := f.mem.SetTblEntry(ctx, dir, typ, idx, data); err != nil {
		return err
	}
	return f.put(mapKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}, idx, data)
}

// GetTblEntry reads the entry back from its map, which a datapath may
// have updated (counters in particular).
func (f *Facility) GetTblEntry(ctx context.Context, dir ufp.Direction, typ tf.TableType, idx uint32) ([]byte, error) {
	if _, err := f.mem.GetTblEntry(ctx, dir, typ, idx); err != nil {
		return nil, err
	}
	segs, err := f.lookup(mapKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}, idx, 1)
	if err != nil {
		return nil, err
	}
	if len(segs[0]) == 0 {
		return nil, nil
	}
	return segs[0], nil
}

func (f *Facility) FreeTblEntry(ctx context.Context, dir ufp.Direction, typ tf.TableType, idx uint32) error {
	if err := f.mem.FreeTblEntry(ctx, dir, typ, idx); err != nil {
		return err
	}
	return f.del(mapKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}, idx)
}

func (f *Facility) AllocTCAM(ctx context.Context, e tf.TCAMEntry) (uint32, error) {
	idx, err := f.mem.AllocTCAM(ctx, e)
	if err != nil {
		return 0, err
	}
	prio := binary.BigEndian.AppendUint16(nil, e.Priority)
	if err := f.put(mapKey{ufp.ResourceFuncTCAMTable, e.Dir, uint16(e.Type)}, idx, prio, e.Key, e.Mask, e.Result); err != nil {
		f.undo(ctx, "free-tcam", f.mem.FreeTCAM(ctx, e.Dir, e.Type, idx))
		return 0, err
	}
	return idx, nil
}

func (f *Facility) FreeTCAM(ctx context.Context, dir ufp.Direction, typ tf.TCAMType, idx uint32) error {
	if err := f.mem.FreeTCAM(ctx, dir, typ, idx); err != nil {
		return err
	}
	return f.del(mapKey{ufp.ResourceFuncTCAMTable, dir, uint16(typ)}, idx)
}

// TCAM returns a programmed TCAM entry as stored in its map.
func (f *Facility) TCAM(dir ufp.Direction, typ tf.TCAMType, idx uint32) (tf.TCAMEntry, error) {
	segs, err := f.lookup(mapKey{ufp.ResourceFuncTCAMTable, dir, uint16(typ)}, idx, 4)
	if err != nil {
		return tf.TCAMEntry{}, err
	}
	if len(segs[0]) != 2 {
		return tf.TCAMEntry{}, ufp.Errorf(ufp.KindInternal, "tcam priority of %d bytes", len(segs[0]))
	}
	return tf.TCAMEntry{
		Dir: dir, Type: typ, Priority: binary.BigEndian.Uint16(segs[0]),
		Key: segs[1], Mask: segs[2], Result: segs[3],
	}, nil
}

func (f *Facility) InsertEM(ctx context.Context, e tf.EMEntry) (uint64, error) {
	h, err := f.mem.InsertEM(ctx, e)
	if err != nil {
		return 0, err
	}
	if err := f.put(mapKey{ufp.ResourceFuncEMTable, e.Dir, uint16(e.Type)}, uint32(h), e.Key, e.Result); err != nil {
		f.undo(ctx, "delete-em", f.mem.DeleteEM(ctx, e.Dir, e.Type, h))
		return 0, err
	}
	return h, nil
}

func (f *Facility) DeleteEM(ctx context.Context, dir ufp.Direction, typ tf.EMType, handle uint64) error {
	if err := f.mem.DeleteEM(ctx, dir, typ, handle); err != nil {
		return err
	}
	return f.del(mapKey{ufp.ResourceFuncEMTable, dir, uint16(typ)}, uint32(handle))
}

func (f *Facility) SetIfTbl(ctx context.Context, dir ufp.Direction, typ tf.IfTableType, idx uint32, data []byte) error {
	if err := f.mem.SetIfTbl(ctx, dir, typ, idx, data); err != nil {
		return err
	}
	k := mapKey{ufp.ResourceFuncIfTable, dir, uint16(typ)}
	for _, b := range data {
		if b != 0 {
			return f.put(k, idx, data)
		}
	}
	return f.del(k, idx)
}

func (f *Facility) GetIfTbl(ctx context.Context, dir ufp.Direction, typ tf.IfTableType, idx uint32) ([]byte, error) {
	return f.mem.GetIfTbl(ctx, dir, typ, idx)
}

func (f *Facility) SetGlobalCfg(ctx context.Context, cfg tf.GlobalCfg) error {
	return f.mem.SetGlobalCfg(ctx, cfg)
}

func (f *Facility) AllocTblScope(ctx context.Context, p tf.ScopeParams) (uint32, error) {
	return f.mem.AllocTblScope(ctx, p)
}

func (f *Facility) FreeTblScope(ctx context.Context, id uint32) error {
	return f.mem.FreeTblScope(ctx, id)
}

// Outstanding reports held allocations, as memory.Facility does.
func (f *Facility) Outstanding() memory.Usage { return f.mem.Outstanding() }

// Close closes every map, unpinning first if configured.
func (f *Facility) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for k, m := range f.maps {
		if f.unpin && f.pinDir != "" {
			if err := m.Unpin(); err != nil {
				errs = append(errs, fmt.Errorf("unpin %s: %w", k.name(), err))
			}
		}
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(f.maps, k)
	}
	return errors.Join(errs...)
}
