package ufp

import "fmt"

// ResourceFunc is the closed set of resource kinds a flow can own.
type ResourceFunc uint8

const (
	ResourceFuncInvalid ResourceFunc = iota
	ResourceFuncIdentifier
	ResourceFuncIndexTable
	ResourceFuncTCAMTable
	ResourceFuncEMTable
	ResourceFuncIfTable
	ResourceFuncGenericTable
	ResourceFuncHashTable
	ResourceFuncAllocatorTable
	ResourceFuncControl
	ResourceFuncCMMStat
	// ResourceFuncRIDAlloc records a RID flow allocated during an
	// install. It is transient: dropped at commit once ownership has
	// moved to a cache entry.
	ResourceFuncRIDAlloc
	NumResourceFuncs
)

var resourceFuncNames = [NumResourceFuncs]string{
	ResourceFuncInvalid:        "invalid",
	ResourceFuncIdentifier:     "identifier",
	ResourceFuncIndexTable:     "index-table",
	ResourceFuncTCAMTable:      "tcam-table",
	ResourceFuncEMTable:        "em-table",
	ResourceFuncIfTable:        "if-table",
	ResourceFuncGenericTable:   "generic-table",
	ResourceFuncHashTable:      "hash-table",
	ResourceFuncAllocatorTable: "allocator-table",
	ResourceFuncControl:        "control",
	ResourceFuncCMMStat:        "cmm-stat",
	ResourceFuncRIDAlloc:       "rid-alloc",
}

func (f ResourceFunc) String() string {
	if f < NumResourceFuncs {
		return resourceFuncNames[f]
	}
	return fmt.Sprintf("ResourceFunc(%d)", uint8(f))
}

// MarshalText implements encoding.TextMarshaler.
func (f ResourceFunc) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *ResourceFunc) UnmarshalText(b []byte) error {
	for i, n := range resourceFuncNames {
		if n == string(b) {
			*f = ResourceFunc(i)
			return nil
		}
	}
	return fmt.Errorf("unknown resource function %q: %w", b, ErrInvalidArg)
}

// SessionType is a bit set selecting the table-facility session a
// resource lives in.
type SessionType uint8

const (
	SessionRegular  SessionType = 0
	SessionShared   SessionType = 1 << 0
	SessionSharedWC SessionType = 1 << 1
)

// Valid reports whether s is a legal combination. Shared and
// shared-wildcard on the same row is not.
func (s SessionType) Valid() bool {
	return s&(SessionShared|SessionSharedWC) != SessionShared|SessionSharedWC
}

// ReservationFlags qualify a resource record.
type ReservationFlags uint8

const (
	// ReserveTransient marks records dropped at commit.
	ReserveTransient ReservationFlags = 1 << 0
	// ReserveCritical marks records whose allocation failure is fatal
	// to the whole context rather than just the install.
	ReserveCritical ReservationFlags = 1 << 1
)

// ControlSubtype distinguishes control records.
const (
	ControlSubtypeMark uint16 = 1
)

// MarkHandleGlobal is set in a mark record's handle when the fid is a
// GFID.
const MarkHandleGlobal = uint64(1) << 63

// Resource is one entry in a flow's resource list.
//
// For table-facility resources Subtype is the facility table or
// identifier type and Handle the facility index or handle. For
// generic-table records Subtype is the table id, Handle the slot, and
// KeyFingerprint the FNV digest of the entry key so a stale slot is
// never decremented.
type Resource struct {
	Func           ResourceFunc     `json:"func"`
	Subtype        uint16           `json:"subtype"`
	Direction      Direction        `json:"direction"`
	Session        SessionType      `json:"session,omitempty"`
	Handle         uint64           `json:"handle"`
	Flags          ReservationFlags `json:"flags,omitempty"`
	KeyFingerprint uint64           `json:"key_fingerprint,omitempty"`
}

// Transient reports whether r is dropped at commit.
func (r Resource) Transient() bool { return r.Flags&ReserveTransient != 0 }

func (r Resource) String() string {
	return fmt.Sprintf("%s/%d %s handle=%d", r.Func, r.Subtype, r.Direction, r.Handle)
}
