// Package template holds the declarative tables that drive the mapper.
//
// A Set is a pure value: flat arrays of table rows, key fields, result
// fields, identifiers and conditions, plus per-template records that
// name a contiguous range of rows. Class templates program the match
// side of a flow and action templates the action side. The mapper runs
// the class template and then the action template over one register
// file.
package template

import (
	"fmt"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/blob"
	"github.com/frobware/go-ufp/gentbl"
)

// GotoReject is the goto value that aborts an install. Any other goto is
// a forward offset from the current row.
const GotoReject = 1023

// Src is the source kind of an operand.
type Src uint8

const (
	SrcZero Src = iota
	SrcConst
	SrcOnes
	// SrcHF is a header field value; Opr is a ufp.FieldID.
	SrcHF
	// SrcHFMask is a header field mask; Opr is a ufp.FieldID.
	SrcHFMask
	// SrcCF is a computed field; Opr is a CF.
	SrcCF
	// SrcRF is a register; Opr is an RF.
	SrcRF
	// SrcGlbRF is a global register; Opr is a GlbRF.
	SrcGlbRF
	// SrcHdrBit yields 1 if any bit of Opr is set in the header bitmap.
	SrcHdrBit
	// SrcFieldBit yields 1 if any bit of Opr is set in the field bitmap.
	SrcFieldBit
	// SrcActBit yields 1 if any bit of Opr is set in the action bitmap.
	SrcActBit
	// SrcActProp is an action property; Opr is a ufp.PropID. Absent
	// properties read as zero.
	SrcActProp
)

var srcNames = map[Src]string{
	SrcZero:     "ZERO",
	SrcConst:    "CONST",
	SrcOnes:     "ONES",
	SrcHF:       "HF",
	SrcHFMask:   "HF_MASK",
	SrcCF:       "CF",
	SrcRF:       "RF",
	SrcGlbRF:    "GLB_RF",
	SrcHdrBit:   "HDR_BIT",
	SrcFieldBit: "FIELD_BIT",
	SrcActBit:   "ACT_BIT",
	SrcActProp:  "ACT_PROP",
}

func (s Src) String() string {
	if n, ok := srcNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Src(%d)", uint8(s))
}

// Operand is a source and its operand.
type Operand struct {
	Src Src
	Opr uint64
}

// Short constructors used by the built-in set.
func Const(v uint64) Operand       { return Operand{SrcConst, v} }
func HF(f ufp.FieldID) Operand     { return Operand{SrcHF, uint64(f)} }
func HFMask(f ufp.FieldID) Operand { return Operand{SrcHFMask, uint64(f)} }
func CFOp(c CF) Operand            { return Operand{SrcCF, uint64(c)} }
func RFOp(r RF) Operand            { return Operand{SrcRF, uint64(r)} }
func GlbRFOp(g GlbRF) Operand      { return Operand{SrcGlbRF, uint64(g)} }
func HdrBit(bits uint64) Operand   { return Operand{SrcHdrBit, bits} }
func ActBit(bits uint64) Operand   { return Operand{SrcActBit, bits} }
func ActProp(p ufp.PropID) Operand { return Operand{SrcActProp, uint64(p)} }

// FieldOpcode combines up to three operands into a field value.
type FieldOpcode uint8

const (
	// FieldSrc1 is src1.
	FieldSrc1 FieldOpcode = iota
	// FieldSrc1ThenSrc2ElseSrc3 is src2 when src1 is non-zero, else
	// src3.
	FieldSrc1ThenSrc2ElseSrc3
	// FieldSrc1AndSrc2OrSrc3 is (src1 & src2) | src3, bytewise.
	FieldSrc1AndSrc2OrSrc3
)

// Field is one field of a key, mask or result blob.
type Field struct {
	Name   string
	Width  int // bits
	Opcode FieldOpcode
	Src1   Operand
	Src2   Operand
	Src3   Operand
}

// KeyField pairs a key field with the mask field used for TCAM rows.
// Rows that take no mask ignore Mask.
type KeyField struct {
	Spec Field
	Mask Field
}

// CondOpcode tests one bit source.
type CondOpcode uint8

const (
	CondRFIsSet CondOpcode = iota
	CondRFNotSet
	CondCFIsSet
	CondCFNotSet
	CondHdrBitIsSet
	CondHdrBitNotSet
	CondFieldBitIsSet
	CondFieldBitNotSet
	CondActBitIsSet
	CondActBitNotSet
)

// Cond is one condition.
type Cond struct {
	Opcode  CondOpcode
	Operand uint64
}

// ListOpcode combines a range of conditions.
type ListOpcode uint8

const (
	ListTrue ListOpcode = iota
	ListFalse
	ListAnd
	ListOr
)

// CondList names a range of Set.Conds.
type CondList struct {
	Opcode ListOpcode
	Start  int
	Num    int
}

// Execute gates a row. When the list evaluates false the row is skipped
// and execution moves by FalseGoto; otherwise it moves by TrueGoto
// after the row has run.
type Execute struct {
	Conds     CondList
	TrueGoto  int
	FalseGoto int
}

// FuncOpcode is a register-file computation.
type FuncOpcode uint8

const (
	FuncNop FuncOpcode = iota
	FuncCopy
	FuncEQ
	FuncNE
	FuncGT
	FuncLT
	FuncAnd
	FuncOr
	FuncAdd
	FuncSub
)

// FuncInfo computes Dst from two operands after the row's table
// operation.
type FuncInfo struct {
	Opcode FuncOpcode
	Src1   Operand
	Src2   Operand
	Dst    RF
}

// TblOpcode is the table operation of a row.
type TblOpcode uint8

const (
	TblNop TblOpcode = iota
	// TblAllocRegfile allocates without programming and stores the
	// index in the operand register.
	TblAllocRegfile
	// TblAllocWrRegfile allocates, programs and stores the index or
	// handle in the operand register.
	TblAllocWrRegfile
	// TblWrite programs an existing entry. For index tables the operand
	// register holds the index, which an earlier allocation in the same
	// install must have populated. For generic tables the operand
	// register holds the RID that owns the cached bundle.
	TblWrite
	// TblRead reads an entry. For generic tables it sets
	// RFGenericTblMiss.
	TblRead
	// TblWrCompField writes an interface table indexed by the computed
	// field in the operand.
	TblWrCompField
	// TblWrConst writes an interface table at a constant index.
	TblWrConst
	// TblWrRegfile writes an interface table indexed by a register.
	TblWrRegfile
)

var tblOpNames = map[TblOpcode]string{
	TblNop:            "NOP",
	TblAllocRegfile:   "ALLOC_REGFILE",
	TblAllocWrRegfile: "ALLOC_WR_REGFILE",
	TblWrite:          "WRITE",
	TblRead:           "READ",
	TblWrCompField:    "WR_COMP_FIELD",
	TblWrConst:        "WR_CONST",
	TblWrRegfile:      "WR_REGFILE",
}

func (o TblOpcode) String() string {
	if n, ok := tblOpNames[o]; ok {
		return n
	}
	return fmt.Sprintf("TblOpcode(%d)", uint8(o))
}

// FDBOpcode says where the row's resource record goes.
type FDBOpcode uint8

const (
	FDBNop FDBOpcode = iota
	// FDBPushFID records in the installing flow.
	FDBPushFID
	// FDBPushRIDRegfile records in the RID flow held in the operand
	// register, or in the installing flow when the register is zero.
	FDBPushRIDRegfile
	// FDBAllocRIDRegfile allocates a RID flow into the operand
	// register.
	FDBAllocRIDRegfile
)

// MarkOpcode programs a mark for the row.
type MarkOpcode uint8

const (
	MarkNop MarkOpcode = iota
	// MarkLFID marks the local flow id in the operand register, or the
	// installing flow when the register is zero.
	MarkLFID
	// MarkGFID marks the global flow id in the operand register.
	MarkGFID
	// MarkVFRID marks the VF representor id of the rule's port.
	MarkVFRID
)

// PriOpcode selects a TCAM priority.
type PriOpcode uint8

const (
	PriNop PriOpcode = iota
	PriConst
	// PriAppPri uses the rule's priority.
	PriAppPri
	// PriRegfile reads the operand register.
	PriRegfile
)

// KeyRecipeOpcode selects key-recipe handling for a row.
type KeyRecipeOpcode uint8

const (
	KeyRecipeNop KeyRecipeOpcode = iota
	// KeyRecipeAlloc interns the row's key layout and stores the recipe
	// id in the operand register.
	KeyRecipeAlloc
)

// Ident is one identifier allocation performed before a row's table
// operation.
type Ident struct {
	Name string
	Type uint16 // tf.IdentType
	Reg  RF
}

// Table is one row.
type Table struct {
	Name         string
	ResourceFunc ufp.ResourceFunc
	// ResourceType is the facility type, or the gentbl.ID for generic
	// tables.
	ResourceType uint16
	Direction    ufp.Direction
	Session      ufp.SessionType

	Execute Execute
	Func    FuncInfo

	Opcode  TblOpcode
	Operand uint64

	KeyStart    int
	KeyNum      int
	KeyBits     int
	BlobKeyBits int

	ResultStart int
	ResultNum   int
	ResultBits  int

	IdentStart int
	IdentNum   int

	FDBOpcode  FDBOpcode
	FDBOperand RF

	MarkOpcode  MarkOpcode
	MarkOperand RF

	PriOpcode  PriOpcode
	PriOperand uint64

	KeyRecipeOpcode  KeyRecipeOpcode
	KeyRecipeOperand RF

	// Critical allocations are recorded with ufp.ReserveCritical.
	Critical bool
	// ConflictCheck makes a generic-table WRITE that finds an existing
	// entry fail when the entry was installed under another flow
	// signature.
	ConflictCheck bool
	// LookupType must match the generic table's own for generic-table
	// rows.
	LookupType gentbl.LookupType
	ByteOrder  blob.ByteOrder
}

// Info is a class or action template record.
type Info struct {
	Name       string
	DeviceName string
	StartTbl   int
	NumTbls    int
	Reject     CondList
}

// ClassMatch selects a class template.
type ClassMatch struct {
	TID       uint32
	Direction ufp.Direction
	AppID     uint8
	HdrBitmap uint64
	// Mandatory fields must all be present, Excluded fields must all be
	// absent and no field outside Mandatory|Optional may be present.
	Mandatory  uint64
	Optional   uint64
	Excluded   uint64
	WCPriority uint16
}

// ActMatch selects an action template.
type ActMatch struct {
	TID       uint32
	Direction ufp.Direction
	AppID     uint8
	Mandatory uint64
	Optional  uint64
	// Classes, when set, restricts the template to these class tids.
	Classes []uint32
}

// GlobalResource is an identifier allocated once per process and held
// in the global register file.
type GlobalResource struct {
	Name      string
	Direction ufp.Direction
	Type      uint16 // tf.IdentType
	Reg       GlbRF
}

// Set is a complete template set.
type Set struct {
	Name string

	Class []Info
	Act   []Info

	Tables  []Table
	Keys    []KeyField
	Results []Field
	Idents  []Ident
	Conds   []Cond

	ClassMatches []ClassMatch
	ActMatches   []ActMatch
	Global       []GlobalResource
}

// ClassTemplate returns class template tid.
func (s *Set) ClassTemplate(tid uint32) (Info, error) {
	if int(tid) >= len(s.Class) || s.Class[tid].NumTbls == 0 && s.Class[tid].Name == "" {
		return Info{}, fmt.Errorf("class template %d: %w", tid, ufp.ErrInvalidArg)
	}
	return s.Class[tid], nil
}

// ActTemplate returns action template tid.
func (s *Set) ActTemplate(tid uint32) (Info, error) {
	if int(tid) >= len(s.Act) || s.Act[tid].NumTbls == 0 && s.Act[tid].Name == "" {
		return Info{}, fmt.Errorf("action template %d: %w", tid, ufp.ErrInvalidArg)
	}
	return s.Act[tid], nil
}

// ClassTID returns the tid of the class template called name.
func (s *Set) ClassTID(name string) (uint32, bool) {
	for i, t := range s.Class {
		if t.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}

// ActTID returns the tid of the action template called name.
func (s *Set) ActTID(name string) (uint32, bool) {
	for i, t := range s.Act {
		if t.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}

// KeyFields returns the key fields of row t.
func (s *Set) KeyFields(t *Table) []KeyField { return s.Keys[t.KeyStart : t.KeyStart+t.KeyNum] }

// ResultFields returns the result fields of row t.
func (s *Set) ResultFields(t *Table) []Field {
	return s.Results[t.ResultStart : t.ResultStart+t.ResultNum]
}

// IdentList returns the identifiers of row t.
func (s *Set) IdentList(t *Table) []Ident { return s.Idents[t.IdentStart : t.IdentStart+t.IdentNum] }

// CondRange returns the conditions of l.
func (s *Set) CondRange(l CondList) []Cond { return s.Conds[l.Start : l.Start+l.Num] }

// TableByName returns the first row of template info called name.
func (s *Set) TableByName(info Info, name string) (*Table, bool) {
	for i := info.StartTbl; i < info.StartTbl+info.NumTbls; i++ {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Offset returns the bit offset and width of the field called name.
func Offset(fields []Field, name string) (offset, width int, ok bool) {
	for _, f := range fields {
		if f.Name == name {
			return offset, f.Width, true
		}
		offset += f.Width
	}
	return 0, 0, false
}
