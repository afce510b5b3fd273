// Package memory is a table facility held entirely in process memory.
//
// Every table type is a bounded pool, so exhaustion behaves as it would
// on a device. All calls are recorded in an operation log, and faults
// can be injected by operation kind. It is the default backend and the
// test double for the mapper.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/tf"
)

// OpKind names a facility call.
type OpKind string

const (
	OpAllocIdent OpKind = "alloc-ident"
	OpFreeIdent  OpKind = "free-ident"
	OpAllocTbl   OpKind = "alloc-tbl"
	OpSetTbl     OpKind = "set-tbl"
	OpGetTbl     OpKind = "get-tbl"
	OpFreeTbl    OpKind = "free-tbl"
	OpAllocTCAM  OpKind = "alloc-tcam"
	OpFreeTCAM   OpKind = "free-tcam"
	OpInsertEM   OpKind = "insert-em"
	OpDeleteEM   OpKind = "delete-em"
	OpSetIf      OpKind = "set-if"
	OpGetIf      OpKind = "get-if"
	OpSetGlobal  OpKind = "set-global"
	OpAllocScope OpKind = "alloc-scope"
	OpFreeScope  OpKind = "free-scope"
)

// Op is one recorded call.
type Op struct {
	Kind  OpKind
	Dir   ufp.Direction
	Type  uint16
	Index uint64
	Key   []byte
	Mask  []byte
	Data  []byte
	Err   error
}

// Config sizes the pools, per direction and type.
type Config struct {
	Idents    map[tf.IdentType]uint32
	Tables    map[tf.TableType]uint32
	TCAMs     map[tf.TCAMType]uint32
	EMEntries map[tf.EMType]uint32
	// IfEntries bounds the index of every interface table.
	IfEntries uint32
	Scopes    uint32
}

// DefaultConfig returns pool sizes large enough for the built-in
// templates at the default flow count.
func DefaultConfig() Config {
	return Config{
		Idents: map[tf.IdentType]uint32{
			tf.IdentL2Ctxt:   1024,
			tf.IdentProfFunc: 64,
			tf.IdentEMProf:   256,
			tf.IdentWCProf:   256,
		},
		Tables: map[tf.TableType]uint32{
			tf.TableFullAction: 8192,
			tf.TableStats:      8192,
			tf.TableEncap:      1024,
		},
		TCAMs: map[tf.TCAMType]uint32{
			tf.TCAML2CtxtHigh: 1024,
			tf.TCAML2CtxtLow:  1024,
			tf.TCAMProfile:    256,
			tf.TCAMWildcard:   1024,
		},
		EMEntries: map[tf.EMType]uint32{
			tf.EMInternal: 8192,
			tf.EMExternal: 8192,
		},
		IfEntries: 4096,
		Scopes:    1,
	}
}

type poolKey struct {
	fn  ufp.ResourceFunc
	dir ufp.Direction
	typ uint16
}

// pool hands out the lowest free index in [1, size].
type pool struct {
	used []bool
	n    int
}

func newPool(size uint32) *pool { return &pool{used: make([]bool, size+1)} }

func (p *pool) alloc() (uint32, bool) {
	for i := 1; i < len(p.used); i++ {
		if !p.used[i] {
			p.used[i] = true
			p.n++
			return uint32(i), true
		}
	}
	return 0, false
}

func (p *pool) free(idx uint32) bool {
	if idx == 0 || int(idx) >= len(p.used) || !p.used[idx] {
		return false
	}
	p.used[idx] = false
	p.n--
	return true
}

func (p *pool) inUse(idx uint32) bool {
	return idx != 0 && int(idx) < len(p.used) && p.used[idx]
}

type fault struct {
	kind  OpKind
	after int
	err   error
}

// Facility is an in-memory tf.Facility.
type Facility struct {
	mu     sync.Mutex
	cfg    Config
	pools  map[poolKey]*pool
	data   map[poolKey]map[uint32][]byte
	tcams  map[poolKey]map[uint32]tf.TCAMEntry
	ems    map[poolKey]map[uint32]tf.EMEntry
	emKeys map[poolKey]map[string]uint32
	ifs    map[poolKey]map[uint32][]byte
	scopes *pool
	global []tf.GlobalCfg
	ops    []Op
	faults []fault
}

var _ tf.Facility = (*Facility)(nil)

// New creates a facility.
func New(cfg Config) *Facility {
	f := &Facility{
		cfg:    cfg,
		pools:  map[poolKey]*pool{},
		data:   map[poolKey]map[uint32][]byte{},
		tcams:  map[poolKey]map[uint32]tf.TCAMEntry{},
		ems:    map[poolKey]map[uint32]tf.EMEntry{},
		emKeys: map[poolKey]map[string]uint32{},
		ifs:    map[poolKey]map[uint32][]byte{},
		scopes: newPool(cfg.Scopes),
	}
	for _, dir := range []ufp.Direction{ufp.DirRX, ufp.DirTX} {
		for t, n := range cfg.Idents {
			f.pools[poolKey{ufp.ResourceFuncIdentifier, dir, uint16(t)}] = newPool(n)
		}
		for t, n := range cfg.Tables {
			f.pools[poolKey{ufp.ResourceFuncIndexTable, dir, uint16(t)}] = newPool(n)
		}
		for t, n := range cfg.TCAMs {
			f.pools[poolKey{ufp.ResourceFuncTCAMTable, dir, uint16(t)}] = newPool(n)
		}
		for t, n := range cfg.EMEntries {
			f.pools[poolKey{ufp.ResourceFuncEMTable, dir, uint16(t)}] = newPool(n)
		}
	}
	return f
}

// InjectFault makes the call of kind after the next `after` successful
// ones fail with err. A fault fires once.
func (f *Facility) InjectFault(kind OpKind, after int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault{kind: kind, after: after, err: err})
}

// checkFault is called with the lock held before a call takes effect.
func (f *Facility) checkFault(kind OpKind) error {
	for i := range f.faults {
		ft := &f.faults[i]
		if ft.kind != kind {
			continue
		}
		if ft.after > 0 {
			ft.after--
			continue
		}
		err := ft.err
		f.faults = append(f.faults[:i], f.faults[i+1:]...)
		return err
	}
	return nil
}

func (f *Facility) record(op Op) {
	op.Key = bytes.Clone(op.Key)
	op.Mask = bytes.Clone(op.Mask)
	op.Data = bytes.Clone(op.Data)
	f.ops = append(f.ops, op)
}

func (f *Facility) pool(k poolKey) (*pool, error) {
	p, ok := f.pools[k]
	if !ok {
		return nil, fmt.Errorf("%s %s type %s not provisioned: %w",
			k.fn, k.dir, tf.TypeName(k.fn, k.typ), ufp.ErrInvalidArg)
	}
	return p, nil
}

func exhausted(k poolKey) error {
	return fmt.Errorf("%s %s %s: pool exhausted: %w", k.fn, k.dir, tf.TypeName(k.fn, k.typ), ufp.ErrResourceExhausted)
}

func missing(k poolKey, idx uint64) error {
	return fmt.Errorf("%s %s %s: index %d not allocated: %w", k.fn, k.dir, tf.TypeName(k.fn, k.typ), idx, ufp.ErrNotFound)
}

// alloc allocates from pool k, recording op. The caller holds the lock.
func (f *Facility) alloc(kind OpKind, k poolKey, op Op) (uint32, error) {
	op.Kind, op.Dir, op.Type = kind, k.dir, k.typ
	err := f.checkFault(kind)
	var idx uint32
	if err == nil {
		var p *pool
		if p, err = f.pool(k); err == nil {
			var ok bool
			if idx, ok = p.alloc(); !ok {
				err = exhausted(k)
			}
		}
	}
	op.Index, op.Err = uint64(idx), err
	f.record(op)
	return idx, err
}

func (f *Facility) free(kind OpKind, k poolKey, idx uint32) error {
	op := Op{Kind: kind, Dir: k.dir, Type: k.typ, Index: uint64(idx)}
	err := f.checkFault(kind)
	if err == nil {
		var p *pool
		if p, err = f.pool(k); err == nil && !p.free(idx) {
			err = missing(k, uint64(idx))
		}
	}
	op.Err = err
	f.record(op)
	return err
}

// AllocIdent implements tf.Identifiers.
func (f *Facility) AllocIdent(_ context.Context, dir ufp.Direction, typ tf.IdentType) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alloc(OpAllocIdent, poolKey{ufp.ResourceFuncIdentifier, dir, uint16(typ)}, Op{})
}

// FreeIdent implements tf.Identifiers.
func (f *Facility) FreeIdent(_ context.Context, dir ufp.Direction, typ tf.IdentType, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free(OpFreeIdent, poolKey{ufp.ResourceFuncIdentifier, dir, uint16(typ)}, id)
}

// AllocTblEntry implements tf.IndexTables. New entries read as zero.
func (f *Facility) AllocTblEntry(_ context.Context, dir ufp.Direction, typ tf.TableType) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := poolKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}
	idx, err := f.alloc(OpAllocTbl, k, Op{})
	if err != nil {
		return 0, err
	}
	if f.data[k] == nil {
		f.data[k] = map[uint32][]byte{}
	}
	f.data[k][idx] = nil
	return idx, nil
}

// SetTblEntry implements tf.IndexTables.
func (f *Facility) SetTblEntry(_ context.Context, dir ufp.Direction, typ tf.TableType, idx uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := poolKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}
	op := Op{Kind: OpSetTbl, Dir: dir, Type: uint16(typ), Index: uint64(idx), Data: data}
	err := f.checkFault(OpSetTbl)
	if err == nil {
		if p, perr := f.pool(k); perr != nil {
			err = perr
		} else if !p.inUse(idx) {
			err = missing(k, uint64(idx))
		} else {
			f.data[k][idx] = bytes.Clone(data)
		}
	}
	op.Err = err
	f.record(op)
	return err
}

// GetTblEntry implements tf.IndexTables.
func (f *Facility) GetTblEntry(_ context.Context, dir ufp.Direction, typ tf.TableType, idx uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := poolKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}
	op := Op{Kind: OpGetTbl, Dir: dir, Type: uint16(typ), Index: uint64(idx)}
	err := f.checkFault(OpGetTbl)
	var out []byte
	if err == nil {
		if p, perr := f.pool(k); perr != nil {
			err = perr
		} else if !p.inUse(idx) {
			err = missing(k, uint64(idx))
		} else {
			out = bytes.Clone(f.data[k][idx])
		}
	}
	op.Err = err
	f.record(op)
	return out, err
}

// FreeTblEntry implements tf.IndexTables.
func (f *Facility) FreeTblEntry(_ context.Context, dir ufp.Direction, typ tf.TableType, idx uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := poolKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}
	if err := f.free(OpFreeTbl, k, idx); err != nil {
		return err
	}
	delete(f.data[k], idx)
	return nil
}

// AllocTCAM implements tf.TCAMs.
func (f *Facility) AllocTCAM(_ context.Context, e tf.TCAMEntry) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(e.Key) != len(e.Mask) {
		return 0, fmt.Errorf("tcam key of %d bytes with mask of %d: %w", len(e.Key), len(e.Mask), ufp.ErrInvalidArg)
	}
	k := poolKey{ufp.ResourceFuncTCAMTable, e.Dir, uint16(e.Type)}
	idx, err := f.alloc(OpAllocTCAM, k, Op{Key: e.Key, Mask: e.Mask, Data: e.Result})
	if err != nil {
		return 0, err
	}
	if f.tcams[k] == nil {
		f.tcams[k] = map[uint32]tf.TCAMEntry{}
	}
	e.Key, e.Mask, e.Result = bytes.Clone(e.Key), bytes.Clone(e.Mask), bytes.Clone(e.Result)
	f.tcams[k][idx] = e
	return idx, nil
}

// FreeTCAM implements tf.TCAMs.
func (f *Facility) FreeTCAM(_ context.Context, dir ufp.Direction, typ tf.TCAMType, idx uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := poolKey{ufp.ResourceFuncTCAMTable, dir, uint16(typ)}
	if err := f.free(OpFreeTCAM, k, idx); err != nil {
		return err
	}
	delete(f.tcams[k], idx)
	return nil
}

// InsertEM implements tf.ExactMatch. Inserting a key that is already
// present fails with ufp.ErrConflict. The handle is the entry's slot.
func (f *Facility) InsertEM(_ context.Context, e tf.EMEntry) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := poolKey{ufp.ResourceFuncEMTable, e.Dir, uint16(e.Type)}
	if _, dup := f.emKeys[k][string(e.Key)]; dup {
		err := fmt.Errorf("exact-match %s key %x already present: %w", e.Dir, e.Key, ufp.ErrConflict)
		f.record(Op{Kind: OpInsertEM, Dir: e.Dir, Type: uint16(e.Type), Key: e.Key, Data: e.Result, Err: err})
		return 0, err
	}
	idx, err := f.alloc(OpInsertEM, k, Op{Key: e.Key, Data: e.Result})
	if err != nil {
		return 0, err
	}
	if f.ems[k] == nil {
		f.ems[k] = map[uint32]tf.EMEntry{}
		f.emKeys[k] = map[string]uint32{}
	}
	e.Key, e.Result = bytes.Clone(e.Key), bytes.Clone(e.Result)
	f.ems[k][idx] = e
	f.emKeys[k][string(e.Key)] = idx
	return uint64(idx), nil
}

// DeleteEM implements tf.ExactMatch.
func (f *Facility) DeleteEM(_ context.Context, dir ufp.Direction, typ tf.EMType, handle uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := poolKey{ufp.ResourceFuncEMTable, dir, uint16(typ)}
	if handle > uint64(^uint32(0)) {
		return missing(k, handle)
	}
	idx := uint32(handle)
	if err := f.free(OpDeleteEM, k, idx); err != nil {
		return err
	}
	delete(f.emKeys[k], string(f.ems[k][idx].Key))
	delete(f.ems[k], idx)
	return nil
}

func (f *Facility) ifKey(dir ufp.Direction, typ tf.IfTableType, idx uint32) (poolKey, error) {
	k := poolKey{ufp.ResourceFuncIfTable, dir, uint16(typ)}
	if idx >= f.cfg.IfEntries {
		return k, fmt.Errorf("if-table %s %s index %d beyond %d: %w",
			dir, tf.TypeName(k.fn, k.typ), idx, f.cfg.IfEntries, ufp.ErrInvalidArg)
	}
	return k, nil
}

// SetIfTbl implements tf.IfTables. Writing all zeroes clears the entry.
func (f *Facility) SetIfTbl(_ context.Context, dir ufp.Direction, typ tf.IfTableType, idx uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := Op{Kind: OpSetIf, Dir: dir, Type: uint16(typ), Index: uint64(idx), Data: data}
	k, err := f.ifKey(dir, typ, idx)
	if err == nil {
		err = f.checkFault(OpSetIf)
	}
	if err == nil {
		if f.ifs[k] == nil {
			f.ifs[k] = map[uint32][]byte{}
		}
		if allZero(data) {
			delete(f.ifs[k], idx)
		} else {
			f.ifs[k][idx] = bytes.Clone(data)
		}
	}
	op.Err = err
	f.record(op)
	return err
}

// GetIfTbl implements tf.IfTables. Unwritten entries read as nil.
func (f *Facility) GetIfTbl(_ context.Context, dir ufp.Direction, typ tf.IfTableType, idx uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := Op{Kind: OpGetIf, Dir: dir, Type: uint16(typ), Index: uint64(idx)}
	k, err := f.ifKey(dir, typ, idx)
	if err == nil {
		err = f.checkFault(OpGetIf)
	}
	var out []byte
	if err == nil {
		out = bytes.Clone(f.ifs[k][idx])
	}
	op.Err = err
	f.record(op)
	return out, err
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// SetGlobalCfg implements tf.Global.
func (f *Facility) SetGlobalCfg(_ context.Context, cfg tf.GlobalCfg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.checkFault(OpSetGlobal)
	if err == nil {
		cfg.Value, cfg.Mask = bytes.Clone(cfg.Value), bytes.Clone(cfg.Mask)
		f.global = append(f.global, cfg)
	}
	f.record(Op{Kind: OpSetGlobal, Dir: cfg.Dir, Type: cfg.Type, Index: uint64(cfg.Offset), Data: cfg.Value, Mask: cfg.Mask, Err: err})
	return err
}

// AllocTblScope implements tf.Global.
func (f *Facility) AllocTblScope(_ context.Context, p tf.ScopeParams) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := Op{Kind: OpAllocScope}
	err := f.checkFault(OpAllocScope)
	var id uint32
	if err == nil {
		var ok bool
		if id, ok = f.scopes.alloc(); !ok {
			err = fmt.Errorf("table scope: none free: %w", ufp.ErrResourceExhausted)
		}
	}
	op.Index, op.Err = uint64(id), err
	f.record(op)
	return id, err
}

// FreeTblScope implements tf.Global.
func (f *Facility) FreeTblScope(_ context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := Op{Kind: OpFreeScope, Index: uint64(id)}
	err := f.checkFault(OpFreeScope)
	if err == nil && !f.scopes.free(id) {
		err = fmt.Errorf("table scope %d: %w", id, ufp.ErrNotFound)
	}
	op.Err = err
	f.record(op)
	return err
}

// Ops returns a copy of the operation log.
func (f *Facility) Ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Op(nil), f.ops...)
}

// ResetOps clears the operation log.
func (f *Facility) ResetOps() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = nil
}

// Usage is the number of outstanding allocations per resource function.
type Usage map[ufp.ResourceFunc]int

// Outstanding returns the allocations currently held, keyed by resource
// function. Interface-table entries count as held while non-zero; the
// table scope is not counted.
func (f *Facility) Outstanding() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := Usage{}
	for k, p := range f.pools {
		if p.n > 0 {
			u[k.fn] += p.n
		}
	}
	for _, m := range f.ifs {
		if len(m) > 0 {
			u[ufp.ResourceFuncIfTable] += len(m)
		}
	}
	return u
}

// OutstandingOf returns the allocations held in one pool.
func (f *Facility) OutstandingOf(fn ufp.ResourceFunc, dir ufp.Direction, typ uint16) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn == ufp.ResourceFuncIfTable {
		return len(f.ifs[poolKey{fn, dir, typ}])
	}
	if p, ok := f.pools[poolKey{fn, dir, typ}]; ok {
		return p.n
	}
	return 0
}

// TCAMEntries returns the programmed entries of one TCAM ordered by
// index.
func (f *Facility) TCAMEntries(dir ufp.Direction, typ tf.TCAMType) []IndexedTCAM {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []IndexedTCAM
	for idx, e := range f.tcams[poolKey{ufp.ResourceFuncTCAMTable, dir, uint16(typ)}] {
		out = append(out, IndexedTCAM{Index: idx, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// IndexedTCAM pairs a TCAM entry with its index.
type IndexedTCAM struct {
	Index uint32
	Entry tf.TCAMEntry
}

// EMEntry returns an inserted exact-match entry.
func (f *Facility) EMEntry(dir ufp.Direction, typ tf.EMType, handle uint64) (tf.EMEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.ems[poolKey{ufp.ResourceFuncEMTable, dir, uint16(typ)}][uint32(handle)]
	return e, ok
}

// TableData returns the contents of an allocated index-table entry.
func (f *Facility) TableData(dir ufp.Direction, typ tf.TableType, idx uint32) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.data[poolKey{ufp.ResourceFuncIndexTable, dir, uint16(typ)}]
	d, ok := m[idx]
	return bytes.Clone(d), ok
}

// GlobalConfig returns the global configuration writes in call order.
func (f *Facility) GlobalConfig() []tf.GlobalCfg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tf.GlobalCfg(nil), f.global...)
}
