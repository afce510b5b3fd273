// Package gentbl implements the generic tables that back the mapper's
// caches and small lookup tables.
//
// A table is either direct-indexed, where the key is an integer slot
// number, or hashed, where a variable-length key selects a bucket whose
// collision chain is walked comparing full keys. Every entry carries a
// reference count; an entry whose count drops to zero is invalidated in
// place so the slot numbers of other entries never move.
//
// Tables are not safe for concurrent use. The owning context serialises
// all access.
package gentbl

import (
	"bytes"
	"fmt"
	"hash/fnv"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/blob"
)

// LookupType selects the addressing mode of a table.
type LookupType uint8

const (
	LookupIndex LookupType = iota
	LookupHash
)

func (l LookupType) String() string {
	if l == LookupHash {
		return "hash"
	}
	return "index"
}

// Params are frozen when the table is created.
type Params struct {
	Name       string
	LookupType LookupType
	NumEntries uint32
	// KeyBytes is the maximum key length.
	KeyBytes uint16
	// PartialKeyBytes leading key bytes are compared before the full
	// key while walking a chain.
	PartialKeyBytes uint16
	ResultBytes     uint16
	// NumBuckets and BucketWidth apply to hash tables only.
	// BucketWidth bounds the length of each collision chain.
	NumBuckets  uint32
	BucketWidth uint8
	ByteOrder   blob.ByteOrder
}

func (p Params) validate() error {
	if p.NumEntries == 0 {
		return fmt.Errorf("table %s: zero entries: %w", p.Name, ufp.ErrInvalidArg)
	}
	if p.KeyBytes == 0 {
		return fmt.Errorf("table %s: zero key bytes: %w", p.Name, ufp.ErrInvalidArg)
	}
	if p.PartialKeyBytes > p.KeyBytes {
		return fmt.Errorf("table %s: partial key wider than key: %w", p.Name, ufp.ErrInvalidArg)
	}
	if p.LookupType == LookupHash && (p.NumBuckets == 0 || p.BucketWidth == 0) {
		return fmt.Errorf("table %s: hash table needs buckets: %w", p.Name, ufp.ErrInvalidArg)
	}
	return nil
}

// Entry is a snapshot of one table slot.
type Entry struct {
	Key      []byte
	Result   []byte
	RefCount uint32
	InUse    bool
	// Owner is the flow that created the entry.
	Owner ufp.FlowID
	// FlowSig is the flow signature of the creating install.
	FlowSig uint64
	// RID is the resource-owner flow holding objects cached by this
	// entry, or zero.
	RID ufp.FlowID
}

type entry struct {
	Entry
	partial uint64
	next    int32
}

// WriteOpts carry the ownership attributes recorded when an entry is
// created. They are ignored when Write finds an existing entry.
type WriteOpts struct {
	Owner   ufp.FlowID
	FlowSig uint64
	RID     ufp.FlowID
}

// ReadResult is returned by Read.
type ReadResult struct {
	Slot     uint32
	Result   []byte
	RefCount uint32
	Hit      bool
}

// Table is one generic table.
type Table struct {
	params  Params
	entries []entry
	buckets []int32
	free    []uint32
	inUse   int
}

const noEntry = int32(-1)

// New creates a table.
func New(p Params) (*Table, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	t := &Table{
		params:  p,
		entries: make([]entry, p.NumEntries),
	}
	for i := range t.entries {
		t.entries[i].next = noEntry
	}
	if p.LookupType == LookupHash {
		t.buckets = make([]int32, p.NumBuckets)
		for i := range t.buckets {
			t.buckets[i] = noEntry
		}
		t.free = make([]uint32, 0, p.NumEntries)
		for i := int(p.NumEntries) - 1; i >= 0; i-- {
			t.free = append(t.free, uint32(i))
		}
	}
	return t, nil
}

// Params returns the table parameters.
func (t *Table) Params() Params { return t.params }

// Name returns the table name.
func (t *Table) Name() string { return t.params.Name }

// InUse returns the number of valid entries.
func (t *Table) InUse() int { return t.inUse }

// Fingerprint returns the digest recorded alongside a key.
func Fingerprint(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

func (t *Table) checkKey(key []byte) error {
	if len(key) == 0 {
		return ufp.ErrInvalidKey{Table: t.params.Name, Reason: "zero length"}
	}
	if len(key) > int(t.params.KeyBytes) {
		return ufp.ErrInvalidKey{Table: t.params.Name, Reason: fmt.Sprintf("%d bytes exceeds %d", len(key), t.params.KeyBytes)}
	}
	return nil
}

func (t *Table) indexOf(key []byte) (uint32, error) {
	idx := blob.ToUint(key)
	if idx >= uint64(t.params.NumEntries) {
		return 0, ufp.ErrInvalidKey{Table: t.params.Name, Reason: fmt.Sprintf("index %d out of range", idx)}
	}
	return uint32(idx), nil
}

func (t *Table) partial(key []byte) uint64 {
	n := int(t.params.PartialKeyBytes)
	if n > len(key) {
		n = len(key)
	}
	return blob.ToUint(key[:n])
}

func (t *Table) bucket(key []byte) uint32 {
	return uint32(Fingerprint(key) % uint64(t.params.NumBuckets))
}

// find walks the chain for key. It returns the matching slot, or
// noEntry, and the chain length.
func (t *Table) find(key []byte) (int32, int) {
	p := t.partial(key)
	n := 0
	for i := t.buckets[t.bucket(key)]; i != noEntry; i = t.entries[i].next {
		n++
		e := &t.entries[i]
		if e.partial == p && bytes.Equal(e.Key, key) {
			return i, n
		}
	}
	return noEntry, n
}

// Read looks key up. A miss allocates nothing.
func (t *Table) Read(key []byte) (ReadResult, error) {
	if err := t.checkKey(key); err != nil {
		return ReadResult{}, err
	}
	var slot int32
	if t.params.LookupType == LookupIndex {
		idx, err := t.indexOf(key)
		if err != nil {
			return ReadResult{}, err
		}
		slot = int32(idx)
		if !t.entries[slot].InUse {
			return ReadResult{Slot: idx}, nil
		}
	} else {
		slot, _ = t.find(key)
		if slot == noEntry {
			return ReadResult{}, nil
		}
	}
	e := &t.entries[slot]
	return ReadResult{
		Slot:     uint32(slot),
		Result:   bytes.Clone(e.Result),
		RefCount: e.RefCount,
		Hit:      true,
	}, nil
}

// Write inserts key with result, or increments the reference count of
// an existing entry with the same key. created reports which happened.
// On error the table is unchanged.
func (t *Table) Write(key, result []byte, opts WriteOpts) (slot uint32, created bool, err error) {
	if err := t.checkKey(key); err != nil {
		return 0, false, err
	}
	if len(result) > int(t.params.ResultBytes) {
		return 0, false, fmt.Errorf("table %s: result of %d bytes exceeds %d: %w",
			t.params.Name, len(result), t.params.ResultBytes, ufp.ErrInvalidArg)
	}
	if t.params.LookupType == LookupIndex {
		idx, err := t.indexOf(key)
		if err != nil {
			return 0, false, err
		}
		e := &t.entries[idx]
		if e.InUse {
			e.RefCount++
			return idx, false, nil
		}
		t.fill(e, key, result, opts)
		return idx, true, nil
	}

	found, chain := t.find(key)
	if found != noEntry {
		t.entries[found].RefCount++
		return uint32(found), false, nil
	}
	if chain >= int(t.params.BucketWidth) || len(t.free) == 0 {
		return 0, false, ufp.ErrNoSpace{Table: t.params.Name}
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	e := &t.entries[idx]
	t.fill(e, key, result, opts)

	// Append at the chain tail so existing walk order is preserved.
	b := t.bucket(key)
	if t.buckets[b] == noEntry {
		t.buckets[b] = int32(idx)
	} else {
		i := t.buckets[b]
		for t.entries[i].next != noEntry {
			i = t.entries[i].next
		}
		t.entries[i].next = int32(idx)
	}
	return idx, true, nil
}

func (t *Table) fill(e *entry, key, result []byte, opts WriteOpts) {
	res := make([]byte, t.params.ResultBytes)
	copy(res, result)
	e.Entry = Entry{
		Key:      bytes.Clone(key),
		Result:   res,
		RefCount: 1,
		InUse:    true,
		Owner:    opts.Owner,
		FlowSig:  opts.FlowSig,
		RID:      opts.RID,
	}
	e.partial = t.partial(key)
	e.next = noEntry
	t.inUse++
}

func (t *Table) slot(slot uint32) (*entry, error) {
	if slot >= t.params.NumEntries {
		return nil, fmt.Errorf("table %s: slot %d out of range: %w", t.params.Name, slot, ufp.ErrInvalidArg)
	}
	e := &t.entries[slot]
	if !e.InUse {
		return nil, fmt.Errorf("table %s: slot %d not in use: %w", t.params.Name, slot, ufp.ErrNotFound)
	}
	return e, nil
}

// RefInc increments the reference count of an in-use slot.
func (t *Table) RefInc(slot uint32) error {
	e, err := t.slot(slot)
	if err != nil {
		return err
	}
	e.RefCount++
	return nil
}

// RefDec decrements the reference count of an in-use slot. When the
// count reaches zero the slot is invalidated, its owner cleared, and the
// returned snapshot describes the entry as it was before invalidation.
func (t *Table) RefDec(slot uint32) (Entry, error) {
	e, err := t.slot(slot)
	if err != nil {
		return Entry{}, err
	}
	e.RefCount--
	snap := e.Entry
	if e.RefCount > 0 {
		return snap, nil
	}
	if t.params.LookupType == LookupHash {
		t.unlink(slot)
		t.free = append(t.free, slot)
	}
	e.InUse = false
	e.Owner = 0
	e.RID = 0
	t.inUse--
	return snap, nil
}

func (t *Table) unlink(slot uint32) {
	e := &t.entries[slot]
	b := t.bucket(e.Key)
	if t.buckets[b] == int32(slot) {
		t.buckets[b] = e.next
	} else {
		for i := t.buckets[b]; i != noEntry; i = t.entries[i].next {
			if t.entries[i].next == int32(slot) {
				t.entries[i].next = e.next
				break
			}
		}
	}
	e.next = noEntry
}

// ConflictCheck reports whether the in-use entry at slot was installed
// with a flow signature different from sig.
func (t *Table) ConflictCheck(slot uint32, sig uint64) bool {
	e, err := t.slot(slot)
	if err != nil {
		return false
	}
	return e.FlowSig != sig
}

// Entry returns a snapshot of slot. InUse is false for invalid slots.
func (t *Table) Entry(slot uint32) (Entry, bool) {
	if slot >= t.params.NumEntries {
		return Entry{}, false
	}
	e := t.entries[slot].Entry
	e.Key = bytes.Clone(e.Key)
	e.Result = bytes.Clone(e.Result)
	return e, true
}

// Entries calls fn for every in-use slot in slot order.
func (t *Table) Entries(fn func(slot uint32, e Entry)) {
	for i := range t.entries {
		if t.entries[i].InUse {
			e, _ := t.Entry(uint32(i))
			fn(uint32(i), e)
		}
	}
}
