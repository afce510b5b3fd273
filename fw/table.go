package fw

import (
	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/tf"
)

// TableOp is a table-facility operation carried as a firmware request.
type TableOp uint8

const (
	TableAllocIdent TableOp = iota + 1
	TableFreeIdent
	TableAllocEntry
	TableSetEntry
	TableGetEntry
	TableFreeEntry
	TableAllocTCAM
	TableFreeTCAM
	TableInsertEM
	TableDeleteEM
	TableSetIf
	TableGetIf
	TableSetGlobal
	TableAllocScope
	TableFreeScope
)

var tableOpNames = map[TableOp]string{
	TableAllocIdent: "alloc-ident",
	TableFreeIdent:  "free-ident",
	TableAllocEntry: "alloc-tbl",
	TableSetEntry:   "set-tbl",
	TableGetEntry:   "get-tbl",
	TableFreeEntry:  "free-tbl",
	TableAllocTCAM:  "alloc-tcam",
	TableFreeTCAM:   "free-tcam",
	TableInsertEM:   "insert-em",
	TableDeleteEM:   "delete-em",
	TableSetIf:      "set-if",
	TableGetIf:      "get-if",
	TableSetGlobal:  "set-global",
	TableAllocScope: "alloc-scope",
	TableFreeScope:  "free-scope",
}

func (o TableOp) String() string {
	if n, ok := tableOpNames[o]; ok {
		return n
	}
	return "table-op-unknown"
}

// TableRequest carries one table-facility call. Type is the identifier,
// table, TCAM, exact-match or interface-table type selected by Op.
type TableRequest struct {
	Op       TableOp
	Dir      ufp.Direction
	Type     uint16
	Index    uint64
	Priority uint16
	Offset   uint32
	Key      []byte
	Mask     []byte
	Data     []byte
	Scope    tf.ScopeParams
}

func (r TableRequest) Name() string { return r.Op.String() }

// TableReply answers a TableRequest. Index carries an allocated index,
// handle or scope id; Data the contents read back.
type TableReply struct {
	Index uint64
	Data  []byte
}

func (TableReply) response() {}
