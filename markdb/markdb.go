// Package markdb maps the flow ids stamped by hardware into receive
// completions back to the mark a caller associated with the flow.
//
// There are two tables. The LFID table is indexed directly by the local
// flow id. The GFID table is indexed by the hash-based global flow id:
// bit 31 of the completion fid selects one of the two physical halves
// and the low bits, masked with gfid_mask, index into that half.
package markdb

import (
	"fmt"
	"sync"

	"github.com/frobware/go-ufp"
)

// Flags qualify a mark operation.
type Flags uint8

const (
	// FlagGFID selects the GFID table.
	FlagGFID Flags = 1 << iota
	// FlagVFRID records that the mark is a VF representor id.
	FlagVFRID
)

// HashTypeFIDBit is the completion fid bit selecting the high half of
// the GFID table.
const HashTypeFIDBit = uint32(1) << 31

// Entry is one mark slot.
type Entry struct {
	Mark   uint32 `json:"mark"`
	Valid  bool   `json:"valid"`
	IsVFR  bool   `json:"is_vfr,omitempty"`
	Global bool   `json:"global,omitempty"`
}

// Config sizes the tables. GFIDEntries may be zero to disable GFIDs;
// otherwise it must be a power of two of at least 2.
type Config struct {
	LFIDEntries uint32
	GFIDEntries uint32
}

// DB is the mark database.
type DB struct {
	mu          sync.RWMutex
	lfid        []Entry
	gfid        []Entry
	gfidMask    uint32
	hashTypeBit uint32
}

// New allocates both tables.
func New(cfg Config) (*DB, error) {
	if cfg.LFIDEntries == 0 {
		return nil, fmt.Errorf("lfid table size 0: %w", ufp.ErrInvalidArg)
	}
	db := &DB{lfid: make([]Entry, cfg.LFIDEntries)}
	if cfg.GFIDEntries > 0 {
		n := cfg.GFIDEntries
		if n < 2 || n&(n-1) != 0 {
			return nil, fmt.Errorf("gfid table size %d is not a power of two: %w", n, ufp.ErrInvalidArg)
		}
		db.gfid = make([]Entry, n)
		db.hashTypeBit = n / 2
		db.gfidMask = n/2 - 1
	}
	return db, nil
}

// GFIDIndex returns the GFID table slot for a completion fid.
func (db *DB) GFIDIndex(fid uint32) uint32 {
	idx := fid & db.gfidMask
	if fid&HashTypeFIDBit != 0 {
		idx |= db.hashTypeBit
	}
	return idx
}

// GFIDMask returns the configured mask; zero when GFIDs are disabled.
func (db *DB) GFIDMask() uint32 { return db.gfidMask }

func (db *DB) slot(global bool, fid uint32) (*Entry, error) {
	if global {
		if len(db.gfid) == 0 {
			return nil, fmt.Errorf("gfid 0x%x: gfid table disabled: %w", fid, ufp.ErrInvalidArg)
		}
		return &db.gfid[db.GFIDIndex(fid)], nil
	}
	if fid >= uint32(len(db.lfid)) {
		return nil, fmt.Errorf("lfid %d outside table of %d: %w", fid, len(db.lfid), ufp.ErrInvalidArg)
	}
	return &db.lfid[fid], nil
}

// Add associates mark with fid. A valid slot is never overwritten.
func (db *DB) Add(flags Flags, fid, mark uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	global := flags&FlagGFID != 0
	e, err := db.slot(global, fid)
	if err != nil {
		return err
	}
	if e.Valid {
		return fmt.Errorf("mark slot for fid 0x%x already holds mark %d: %w", fid, e.Mark, ufp.ErrConflict)
	}
	*e = Entry{Mark: mark, Valid: true, IsVFR: flags&FlagVFRID != 0, Global: global}
	return nil
}

// Get returns the mark for fid and whether it is a VF representor id.
func (db *DB) Get(isGFID bool, fid uint32) (mark uint32, isVFR bool, err error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, err := db.slot(isGFID, fid)
	if err != nil {
		return 0, false, err
	}
	if !e.Valid {
		return 0, false, ufp.ErrMarkNotFound{FID: fid, Global: isGFID}
	}
	return e.Mark, e.IsVFR, nil
}

// Del clears the slot for fid.
func (db *DB) Del(flags Flags, fid uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	global := flags&FlagGFID != 0
	e, err := db.slot(global, fid)
	if err != nil {
		return err
	}
	if !e.Valid {
		return ufp.ErrMarkNotFound{FID: fid, Global: global}
	}
	*e = Entry{}
	return nil
}

// Valid returns the number of valid LFID and GFID slots.
func (db *DB) Valid() (lfid, gfid int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, e := range db.lfid {
		if e.Valid {
			lfid++
		}
	}
	for _, e := range db.gfid {
		if e.Valid {
			gfid++
		}
	}
	return lfid, gfid
}

// Entries calls fn for every valid slot, LFID table first. idx is the
// table slot, not the completion fid.
func (db *DB) Entries(fn func(idx uint32, e Entry)) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for i, e := range db.lfid {
		if e.Valid {
			fn(uint32(i), e)
		}
	}
	for i, e := range db.gfid {
		if e.Valid {
			fn(uint32(i), e)
		}
	}
}
