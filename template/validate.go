package template

import (
	"errors"
	"fmt"
	"slices"

	"github.com/frobware/go-ufp"
)

// rowOps lists the table opcodes each resource function accepts.
var rowOps = map[ufp.ResourceFunc][]TblOpcode{
	ufp.ResourceFuncControl:      {TblNop},
	ufp.ResourceFuncIdentifier:   {TblAllocRegfile},
	ufp.ResourceFuncIndexTable:   {TblAllocRegfile, TblAllocWrRegfile, TblWrite, TblRead},
	ufp.ResourceFuncCMMStat:      {TblAllocRegfile, TblAllocWrRegfile, TblRead},
	ufp.ResourceFuncTCAMTable:    {TblAllocWrRegfile},
	ufp.ResourceFuncEMTable:      {TblAllocWrRegfile},
	ufp.ResourceFuncIfTable:      {TblWrCompField, TblWrConst, TblWrRegfile},
	ufp.ResourceFuncGenericTable: {TblRead, TblWrite},
}

// allocates reports whether running t leaves a resource behind.
func (t *Table) allocates() bool {
	switch t.ResourceFunc {
	case ufp.ResourceFuncControl:
		return t.MarkOpcode != MarkNop
	case ufp.ResourceFuncIndexTable, ufp.ResourceFuncCMMStat:
		return t.Opcode == TblAllocRegfile || t.Opcode == TblAllocWrRegfile
	case ufp.ResourceFuncGenericTable:
		return t.Opcode == TblWrite
	default:
		return true
	}
}

// Validate checks the structural invariants of s: every range lies
// inside its array, every goto lands inside its template or on
// GotoReject, session bits are legal, every allocating row records its
// resource, and every index-table WRITE follows an allocation of the
// same register.
func (s *Set) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, ufp.Errorf(ufp.KindInvalidArg, format, args...))
	}

	// Action templates run after any class template, so their WRITEs
	// may use registers allocated by a class template.
	classAllocs := map[uint64]bool{}
	for tid, info := range s.Class {
		s.validateTemplate(fmt.Sprintf("class %d (%s)", tid, info.Name), info, nil, classAllocs, fail)
	}
	for tid, info := range s.Act {
		s.validateTemplate(fmt.Sprintf("action %d (%s)", tid, info.Name), info, classAllocs, map[uint64]bool{}, fail)
	}

	for i, m := range s.ClassMatches {
		if int(m.TID) >= len(s.Class) {
			fail("class match %d: tid %d out of range", i, m.TID)
		}
		if m.Mandatory&m.Excluded != 0 {
			fail("class match %d: fields both mandatory and excluded", i)
		}
	}
	for i, m := range s.ActMatches {
		if int(m.TID) >= len(s.Act) {
			fail("action match %d: tid %d out of range", i, m.TID)
		}
		for _, c := range m.Classes {
			if int(c) >= len(s.Class) {
				fail("action match %d: class tid %d out of range", i, c)
			}
		}
	}
	for i, g := range s.Global {
		if g.Reg == GlbRFInvalid || g.Reg >= NumGlbRF {
			fail("global resource %d: register %d out of range", i, g.Reg)
		}
		if !g.Direction.Valid() {
			fail("global resource %d: direction %d", i, g.Direction)
		}
	}
	return errors.Join(errs...)
}

func (s *Set) validateTemplate(name string, info Info, inherited, allocs map[uint64]bool, fail func(string, ...any)) {
	if info.StartTbl < 0 || info.NumTbls < 0 || info.StartTbl+info.NumTbls > len(s.Tables) {
		fail("%s: rows [%d,+%d) outside %d tables", name, info.StartTbl, info.NumTbls, len(s.Tables))
		return
	}
	s.validateCondList(name+" reject", info.Reject, fail)

	for rel := range info.NumTbls {
		t := &s.Tables[info.StartTbl+rel]
		row := fmt.Sprintf("%s row %d (%s)", name, rel, t.Name)

		s.validateCondList(row, t.Execute.Conds, fail)
		for _, g := range []int{t.Execute.TrueGoto, t.Execute.FalseGoto} {
			if g == GotoReject {
				continue
			}
			if g <= 0 || rel+g > info.NumTbls {
				fail("%s: goto %d leaves the template", row, g)
			}
		}
		if !t.Session.Valid() {
			fail("%s: session 0x%x combines shared and shared-wildcard", row, t.Session)
		}
		if !t.Direction.Valid() {
			fail("%s: direction %d", row, t.Direction)
		}

		ops, ok := rowOps[t.ResourceFunc]
		if !ok {
			fail("%s: resource function %s not supported", row, t.ResourceFunc)
			continue
		}
		if !slices.Contains(ops, t.Opcode) {
			fail("%s: %s does not accept %s", row, t.ResourceFunc, t.Opcode)
		}

		if !inRange(t.KeyStart, t.KeyNum, len(s.Keys)) {
			fail("%s: key fields out of range", row)
		} else {
			bits := 0
			for _, k := range s.KeyFields(t) {
				bits += k.Spec.Width
			}
			if bits != t.KeyBits {
				fail("%s: key fields sum to %d bits, declared %d", row, bits, t.KeyBits)
			}
			if t.BlobKeyBits != 0 && t.BlobKeyBits < t.KeyBits {
				fail("%s: key blob of %d bits cannot hold %d", row, t.BlobKeyBits, t.KeyBits)
			}
		}
		if !inRange(t.ResultStart, t.ResultNum, len(s.Results)) {
			fail("%s: result fields out of range", row)
		} else {
			bits := 0
			for _, f := range s.ResultFields(t) {
				bits += f.Width
			}
			if bits > t.ResultBits {
				fail("%s: result fields need %d bits, declared %d", row, bits, t.ResultBits)
			}
		}
		if !inRange(t.IdentStart, t.IdentNum, len(s.Idents)) {
			fail("%s: identifiers out of range", row)
		}
		if t.Func.Opcode != FuncNop && (t.Func.Dst == RFInvalid || t.Func.Dst >= NumRF) {
			fail("%s: func destination %d out of range", row, t.Func.Dst)
		}

		if t.allocates() && t.FDBOpcode != FDBPushFID && t.FDBOpcode != FDBPushRIDRegfile {
			fail("%s: allocating row does not record its resource", row)
		}
		if t.FDBOpcode == FDBPushRIDRegfile || t.FDBOpcode == FDBAllocRIDRegfile {
			if t.FDBOperand == RFInvalid || t.FDBOperand >= NumRF {
				fail("%s: flow database register %d out of range", row, t.FDBOperand)
			}
		}

		isIndex := t.ResourceFunc == ufp.ResourceFuncIndexTable || t.ResourceFunc == ufp.ResourceFuncCMMStat
		if isIndex && (t.Opcode == TblWrite || t.Opcode == TblRead) && !allocs[t.Operand] && !inherited[t.Operand] {
			fail("%s: %s of register %s before any allocation", row, t.Opcode, RF(t.Operand))
		}
		switch t.Opcode {
		case TblAllocRegfile, TblAllocWrRegfile:
			if t.Operand == uint64(RFInvalid) || t.Operand >= uint64(NumRF) {
				fail("%s: register %d out of range", row, t.Operand)
			}
			allocs[t.Operand] = true
		case TblWrCompField:
			if t.Operand >= uint64(NumCF) {
				fail("%s: computed field %d out of range", row, t.Operand)
			}
		}
	}
}

func (s *Set) validateCondList(name string, l CondList, fail func(string, ...any)) {
	if !inRange(l.Start, l.Num, len(s.Conds)) {
		fail("%s: conditions [%d,+%d) outside %d", name, l.Start, l.Num, len(s.Conds))
	}
	if (l.Opcode == ListAnd || l.Opcode == ListOr) && l.Num == 0 {
		fail("%s: empty condition list", name)
	}
}

func inRange(start, n, total int) bool {
	return start >= 0 && n >= 0 && start+n <= total
}
