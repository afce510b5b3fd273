// Package tf defines the table facility: the provider the mapper drives
// to allocate identifiers and program hardware tables.
//
// The facility is split into small interfaces by concern. Facility
// composes them; backends implement all of it. Every call may fail with
// a typed error, which callers surface unchanged.
package tf

import (
	"context"
	"fmt"

	"github.com/frobware/go-ufp"
)

// IdentType selects an identifier pool.
type IdentType uint16

const (
	IdentL2Ctxt IdentType = iota + 1
	IdentProfFunc
	IdentEMProf
	IdentWCProf
)

// TableType selects an index table.
type TableType uint16

const (
	// TableFullAction holds full action records.
	TableFullAction TableType = iota + 1
	// TableStats holds 16-byte flow counters: packets then bytes,
	// big-endian.
	TableStats
	TableEncap
)

// TCAMType selects a TCAM.
type TCAMType uint16

const (
	TCAML2CtxtHigh TCAMType = iota + 1
	TCAML2CtxtLow
	TCAMProfile
	TCAMWildcard
)

// EMType selects an exact-match table.
type EMType uint16

const (
	EMInternal EMType = iota + 1
	EMExternal
)

// IfTableType selects an interface table, indexed by an interface
// number such as a SVIF or PARIF.
type IfTableType uint16

const (
	IfTableProfFunc IfTableType = iota + 1
	IfTableParifDefaultAction
	IfTableSVIFVNIC
)

// CounterBytes is the size of one TableStats entry.
const CounterBytes = 16

var typeNames = map[ufp.ResourceFunc]map[uint16]string{
	ufp.ResourceFuncIdentifier: {
		uint16(IdentL2Ctxt):   "l2-ctxt",
		uint16(IdentProfFunc): "prof-func",
		uint16(IdentEMProf):   "em-prof",
		uint16(IdentWCProf):   "wc-prof",
	},
	ufp.ResourceFuncIndexTable: {
		uint16(TableFullAction): "full-action",
		uint16(TableStats):      "stats",
		uint16(TableEncap):      "encap",
	},
	ufp.ResourceFuncTCAMTable: {
		uint16(TCAML2CtxtHigh): "l2-ctxt-high",
		uint16(TCAML2CtxtLow):  "l2-ctxt-low",
		uint16(TCAMProfile):    "profile",
		uint16(TCAMWildcard):   "wildcard",
	},
	ufp.ResourceFuncEMTable: {
		uint16(EMInternal): "internal",
		uint16(EMExternal): "external",
	},
	ufp.ResourceFuncIfTable: {
		uint16(IfTableProfFunc):           "prof-func",
		uint16(IfTableParifDefaultAction): "parif-dflt-act",
		uint16(IfTableSVIFVNIC):           "svif-vnic",
	},
}

// TypeName names a facility type within a resource function, for logs
// and dumps.
func TypeName(fn ufp.ResourceFunc, typ uint16) string {
	if n, ok := typeNames[fn][typ]; ok {
		return n
	}
	return fmt.Sprintf("%s/%d", fn, typ)
}

// ParseTypeName is the inverse of TypeName.
func ParseTypeName(fn ufp.ResourceFunc, name string) (uint16, bool) {
	for typ, n := range typeNames[fn] {
		if n == name {
			return typ, true
		}
	}
	return 0, false
}

// TCAMEntry is the request to allocate and program a TCAM entry.
type TCAMEntry struct {
	Dir      ufp.Direction
	Type     TCAMType
	Priority uint16
	Key      []byte
	Mask     []byte
	Result   []byte
}

// EMEntry is the request to insert an exact-match entry.
type EMEntry struct {
	Dir    ufp.Direction
	Type   EMType
	Key    []byte
	Result []byte
}

// GlobalCfgTblScope binds a direction to the table scope whose id is
// written as a big-endian uint32.
const GlobalCfgTblScope uint16 = 1

// GlobalCfg is one process-wide configuration write.
type GlobalCfg struct {
	Dir    ufp.Direction
	Type   uint16
	Offset uint32
	Value  []byte
	Mask   []byte
}

// ScopeParams sizes a table scope.
type ScopeParams struct {
	// MaxFlows per direction.
	MaxFlows [ufp.NumDirections]uint32
	// KeyBytes and ResultBytes bound exact-match records.
	KeyBytes    uint16
	ResultBytes uint16
}

// Identifiers allocates identifiers.
type Identifiers interface {
	AllocIdent(ctx context.Context, dir ufp.Direction, typ IdentType) (uint32, error)
	FreeIdent(ctx context.Context, dir ufp.Direction, typ IdentType, id uint32) error
}

// IndexTables manages index table entries.
type IndexTables interface {
	AllocTblEntry(ctx context.Context, dir ufp.Direction, typ TableType) (uint32, error)
	SetTblEntry(ctx context.Context, dir ufp.Direction, typ TableType, idx uint32, data []byte) error
	GetTblEntry(ctx context.Context, dir ufp.Direction, typ TableType, idx uint32) ([]byte, error)
	FreeTblEntry(ctx context.Context, dir ufp.Direction, typ TableType, idx uint32) error
}

// TCAMs allocates and frees TCAM entries.
type TCAMs interface {
	AllocTCAM(ctx context.Context, e TCAMEntry) (uint32, error)
	FreeTCAM(ctx context.Context, dir ufp.Direction, typ TCAMType, idx uint32) error
}

// ExactMatch inserts and deletes exact-match entries. The returned
// handle is opaque.
type ExactMatch interface {
	InsertEM(ctx context.Context, e EMEntry) (uint64, error)
	DeleteEM(ctx context.Context, dir ufp.Direction, typ EMType, handle uint64) error
}

// IfTables writes interface tables.
type IfTables interface {
	SetIfTbl(ctx context.Context, dir ufp.Direction, typ IfTableType, idx uint32, data []byte) error
	GetIfTbl(ctx context.Context, dir ufp.Direction, typ IfTableType, idx uint32) ([]byte, error)
}

// Global carries process-wide configuration.
type Global interface {
	SetGlobalCfg(ctx context.Context, cfg GlobalCfg) error
	AllocTblScope(ctx context.Context, p ScopeParams) (uint32, error)
	FreeTblScope(ctx context.Context, id uint32) error
}

// Facility is the full provider.
type Facility interface {
	Identifiers
	IndexTables
	TCAMs
	ExactMatch
	IfTables
	Global
}
