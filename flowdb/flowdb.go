// Package flowdb is the system of record for the hardware state each
// flow owns.
//
// Flow ids come from a dense pool starting at 1. Each flow carries an
// append-only list of resource records; flushing a flow walks that list
// in reverse and hands every record to the release callback registered
// for its resource function. The database lock is released while
// callbacks run because releasing a cached resource may itself flush a
// RID flow.
package flowdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/logging"
)

// ErrEndOfList is returned by ResourceNext after the last record.
var ErrEndOfList = errors.New("end of resource list")

// ReleaseFunc releases one resource owned by flow fid.
type ReleaseFunc func(ctx context.Context, fid ufp.FlowID, r ufp.Resource) error

// Attrs describe a flow at allocation time.
type Attrs struct {
	Type       ufp.FlowType  `json:"type"`
	Direction  ufp.Direction `json:"direction"`
	FunctionID uint16        `json:"function_id"`
	Priority   uint16        `json:"priority"`
}

// Flow is a snapshot of one flow.
type Flow struct {
	ID ufp.FlowID `json:"id"`
	Attrs
	Parent    ufp.FlowID     `json:"parent,omitempty"`
	Children  int            `json:"children,omitempty"`
	Committed bool           `json:"committed"`
	Resources []ufp.Resource `json:"resources"`
}

type flow struct {
	Flow
	inUse    bool
	flushing bool
}

// DB is the flow database.
type DB struct {
	logger *slog.Logger

	mu       sync.Mutex
	flows    []flow
	free     []ufp.FlowID
	count    int
	releases [ufp.NumResourceFuncs]ReleaseFunc
}

// New creates a database able to hold maxFlows flows.
func New(maxFlows uint32, logger *slog.Logger) (*DB, error) {
	if maxFlows == 0 {
		return nil, fmt.Errorf("flow table size 0: %w", ufp.ErrInvalidArg)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	db := &DB{
		logger: logger.With(logging.ComponentKey, "flowdb"),
		flows:  make([]flow, maxFlows+1),
		free:   make([]ufp.FlowID, 0, maxFlows),
	}
	for id := maxFlows; id >= 1; id-- {
		db.free = append(db.free, ufp.FlowID(id))
	}
	return db, nil
}

// RegisterRelease installs the release callback for fn, replacing any
// earlier one.
func (db *DB) RegisterRelease(fn ufp.ResourceFunc, cb ReleaseFunc) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.releases[fn] = cb
}

// Alloc draws a flow id from the pool.
func (db *DB) Alloc(a Attrs) (ufp.FlowID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.free) == 0 {
		return 0, fmt.Errorf("flow table full (%d flows): %w", db.count, ufp.ErrResourceExhausted)
	}
	id := db.free[len(db.free)-1]
	db.free = db.free[:len(db.free)-1]
	db.flows[id] = flow{Flow: Flow{ID: id, Attrs: a}, inUse: true}
	db.count++
	logging.Trace(context.Background(), db.logger, "flow allocated", "flow_id", id, "type", a.Type)
	return id, nil
}

func (db *DB) lookup(fid ufp.FlowID) (*flow, error) {
	if fid == 0 || int(fid) >= len(db.flows) || !db.flows[fid].inUse {
		return nil, ufp.ErrFlowNotFound{FlowID: fid}
	}
	return &db.flows[fid], nil
}

// ResourceAdd appends r to the resource list of fid.
func (db *DB) ResourceAdd(fid ufp.FlowID, r ufp.Resource) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, err := db.lookup(fid)
	if err != nil {
		return err
	}
	if f.flushing {
		return fmt.Errorf("flow %d is being flushed: %w", fid, ufp.ErrBusy)
	}
	f.Resources = append(f.Resources, r)
	return nil
}

// ResourceNext returns the record at cursor and the cursor of the next
// one. A zero cursor starts the walk; ErrEndOfList ends it.
func (db *DB) ResourceNext(fid ufp.FlowID, cursor int) (ufp.Resource, int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, err := db.lookup(fid)
	if err != nil {
		return ufp.Resource{}, cursor, err
	}
	if cursor < 0 || cursor >= len(f.Resources) {
		return ufp.Resource{}, cursor, ErrEndOfList
	}
	return f.Resources[cursor], cursor + 1, nil
}

// Resources returns a copy of the resource list of fid.
func (db *DB) Resources(fid ufp.FlowID) ([]ufp.Resource, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, err := db.lookup(fid)
	if err != nil {
		return nil, err
	}
	return append([]ufp.Resource(nil), f.Resources...), nil
}

// Commit marks fid installed and drops its transient records.
func (db *DB) Commit(fid ufp.FlowID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, err := db.lookup(fid)
	if err != nil {
		return err
	}
	kept := f.Resources[:0]
	for _, r := range f.Resources {
		if !r.Transient() {
			kept = append(kept, r)
		}
	}
	clear(f.Resources[len(kept):])
	f.Resources = kept
	f.Committed = true
	return nil
}

// ParentChildLink records child as a child of parent.
func (db *DB) ParentChildLink(parent, child ufp.FlowID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, err := db.lookup(parent)
	if err != nil {
		return err
	}
	c, err := db.lookup(child)
	if err != nil {
		return err
	}
	if parent == child || p.Type == ufp.FlowTypeRID || p.Type == ufp.FlowTypeChild {
		return fmt.Errorf("flow %d (%s) cannot parent flow %d: %w", parent, p.Type, child, ufp.ErrInvalidArg)
	}
	if c.Parent != 0 {
		return fmt.Errorf("flow %d already has parent %d: %w", child, c.Parent, ufp.ErrConflict)
	}
	c.Parent = parent
	p.Children++
	return nil
}

// ParentChildUnlink removes child's link to its parent.
func (db *DB) ParentChildUnlink(child ufp.FlowID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, err := db.lookup(child)
	if err != nil {
		return err
	}
	db.unlinkLocked(c)
	return nil
}

func (db *DB) unlinkLocked(c *flow) {
	if c.Parent == 0 {
		return
	}
	if p, err := db.lookup(c.Parent); err == nil && p.Children > 0 {
		p.Children--
	}
	c.Parent = 0
}

// FlowFlush releases every resource of fid in reverse order and frees
// the flow id. A flow with live children fails with ErrFlowBusy and is
// left untouched. Release errors are joined and returned, but the flow
// is freed regardless.
func (db *DB) FlowFlush(ctx context.Context, fid ufp.FlowID) error {
	db.mu.Lock()
	f, err := db.lookup(fid)
	if err != nil {
		db.mu.Unlock()
		return err
	}
	if f.Children > 0 {
		db.mu.Unlock()
		return ufp.ErrFlowBusy{FlowID: fid, Children: f.Children}
	}
	if f.flushing {
		db.mu.Unlock()
		return fmt.Errorf("flow %d is already being flushed: %w", fid, ufp.ErrBusy)
	}
	f.flushing = true
	resources := append([]ufp.Resource(nil), f.Resources...)
	releases := db.releases
	db.mu.Unlock()

	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		cb := releases[r.Func]
		if cb == nil {
			errs = append(errs, fmt.Errorf("flow %d: no release for %s: %w", fid, r, ufp.ErrInternal))
			continue
		}
		if err := cb(ctx, fid, r); err != nil {
			db.logger.WarnContext(ctx, "release failed", "flow_id", fid, "resource", r.String(), "error", err)
			errs = append(errs, fmt.Errorf("flow %d: release %s: %w", fid, r, err))
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	f = &db.flows[fid]
	db.unlinkLocked(f)
	db.flows[fid] = flow{}
	db.free = append(db.free, fid)
	db.count--
	db.logger.DebugContext(ctx, "flow flushed", "flow_id", fid, "released", len(resources))
	return errors.Join(errs...)
}

// FunctionFlowFlush flushes every committed flow installed by funcID,
// children before parents. RID flows are not flushed directly; they go
// when the cache entries holding them are released.
func (db *DB) FunctionFlowFlush(ctx context.Context, funcID uint16) (int, error) {
	db.mu.Lock()
	var victims []Flow
	for i := range db.flows {
		f := &db.flows[i]
		if f.inUse && f.Committed && f.FunctionID == funcID && f.Type != ufp.FlowTypeRID {
			victims = append(victims, f.Flow)
		}
	}
	db.mu.Unlock()

	// Children first, then flows nobody parents, then parents.
	rank := func(f Flow) int {
		switch {
		case f.Parent != 0:
			return 0
		case f.Children == 0:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(victims, func(i, j int) bool { return rank(victims[i]) < rank(victims[j]) })

	var errs []error
	n := 0
	for _, v := range victims {
		err := db.FlowFlush(ctx, v.ID)
		var nf ufp.ErrFlowNotFound
		switch {
		case err == nil:
			n++
		case errors.As(err, &nf):
		case errors.Is(err, ufp.ErrBusy):
			errs = append(errs, err)
		default:
			// Released with errors; the flow is gone.
			n++
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// Get returns a snapshot of fid.
func (db *DB) Get(fid ufp.FlowID) (Flow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, err := db.lookup(fid)
	if err != nil {
		return Flow{}, err
	}
	return snapshot(f), nil
}

func snapshot(f *flow) Flow {
	out := f.Flow
	out.Resources = append([]ufp.Resource(nil), f.Resources...)
	return out
}

// Flows returns snapshots of every allocated flow in id order.
func (db *DB) Flows() []Flow {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []Flow
	for i := range db.flows {
		if db.flows[i].inUse {
			out = append(out, snapshot(&db.flows[i]))
		}
	}
	return out
}

// Count returns the number of allocated flows.
func (db *DB) Count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.count
}

// Capacity returns the maximum number of flows.
func (db *DB) Capacity() int { return len(db.flows) - 1 }
