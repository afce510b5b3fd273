package template

import (
	"fmt"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/blob"
	"github.com/frobware/go-ufp/gentbl"
	"github.com/frobware/go-ufp/tf"
)

// Names of the built-in templates.
const (
	ClassIPv4UDPRX   = "ipv4-udp-em-rx"
	ClassIPv4TCPRX   = "ipv4-tcp-em-rx"
	ClassIPv4UDPTX   = "ipv4-udp-em-tx"
	ClassIPv4TCPTX   = "ipv4-tcp-em-tx"
	ClassVFRepVLAN   = "vfrep-vlan-pop-rx"
	ClassDefaultRX   = "port-default-rx"
	ClassDefaultTX   = "port-default-tx"
	ActFullActionRX  = "full-action-rx"
	ActFullActionTX  = "full-action-tx"
	ActVFRepToVF     = "vfrep-to-vf-rx"
	ActNone          = "none"
	builtinSetName   = "builtin"
	builtinDevice    = "ufp0"
	actionRecordBits = 128
)

// DefaultClass returns the name of the default-flow class template for
// dir.
func DefaultClass(dir ufp.Direction) string {
	if dir == ufp.DirTX {
		return ClassDefaultTX
	}
	return ClassDefaultRX
}

// builder appends rows to a Set and keeps the index bookkeeping.
type builder struct {
	s   *Set
	dir ufp.Direction
	cur *Info
}

func (b *builder) class(name string, dir ufp.Direction) uint32 {
	b.s.Class = append(b.s.Class, Info{Name: name, DeviceName: builtinDevice, StartTbl: len(b.s.Tables)})
	b.cur, b.dir = &b.s.Class[len(b.s.Class)-1], dir
	return uint32(len(b.s.Class) - 1)
}

func (b *builder) act(name string, dir ufp.Direction) uint32 {
	b.s.Act = append(b.s.Act, Info{Name: name, DeviceName: builtinDevice, StartTbl: len(b.s.Tables)})
	b.cur, b.dir = &b.s.Act[len(b.s.Act)-1], dir
	return uint32(len(b.s.Act) - 1)
}

func (b *builder) conds(op ListOpcode, cs ...Cond) CondList {
	l := CondList{Opcode: op, Start: len(b.s.Conds), Num: len(cs)}
	b.s.Conds = append(b.s.Conds, cs...)
	return l
}

func (b *builder) when(cs ...Cond) Execute {
	return Execute{Conds: b.conds(ListAnd, cs...), TrueGoto: 1, FalseGoto: 1}
}

func roundBits(n int) int { return (n + 7) &^ 7 }

// row appends t with its key, result and identifier lists. Zero gotos
// fall through, zero widths are derived from the field lists.
func (b *builder) row(t Table, keys []KeyField, results []Field, idents ...Ident) {
	t.Direction = b.dir
	t.ByteOrder = blob.BigEndian
	if t.Execute.TrueGoto == 0 {
		t.Execute.TrueGoto = 1
	}
	if t.Execute.FalseGoto == 0 {
		t.Execute.FalseGoto = 1
	}

	t.KeyStart, t.KeyNum = len(b.s.Keys), len(keys)
	b.s.Keys = append(b.s.Keys, keys...)
	t.KeyBits = 0
	for _, k := range keys {
		t.KeyBits += k.Spec.Width
	}
	if t.BlobKeyBits == 0 {
		t.BlobKeyBits = roundBits(t.KeyBits)
	}

	t.ResultStart, t.ResultNum = len(b.s.Results), len(results)
	b.s.Results = append(b.s.Results, results...)
	if t.ResultBits == 0 {
		for _, f := range results {
			t.ResultBits += f.Width
		}
		t.ResultBits = roundBits(t.ResultBits)
	}

	t.IdentStart, t.IdentNum = len(b.s.Idents), len(idents)
	b.s.Idents = append(b.s.Idents, idents...)

	b.s.Tables = append(b.s.Tables, t)
	b.cur.NumTbls++
}

func fld(name string, width int, src Operand) Field {
	return Field{Name: name, Width: width, Src1: src}
}

// exact is a key field matched on every bit.
func exact(name string, width int, src Operand) KeyField {
	return KeyField{Spec: fld(name, width, src), Mask: fld(name, width, Operand{Src: SrcOnes})}
}

// header is a header field key. The value is masked by the rule so that
// exact-match keys and cache keys ignore don't-care bits.
func header(f ufp.FieldID) KeyField {
	w := f.Size() * 8
	return KeyField{
		Spec: Field{Name: f.String(), Width: w, Opcode: FieldSrc1AndSrc2OrSrc3, Src1: HF(f), Src2: HFMask(f)},
		Mask: fld(f.String(), w, HFMask(f)),
	}
}

func rfSet(r RF) Cond    { return Cond{CondRFIsSet, uint64(r)} }
func rfNotSet(r RF) Cond { return Cond{CondRFNotSet, uint64(r)} }

// actionRecord is the full action layout. vnic selects the destination.
func actionRecord(vnic Field) []Field {
	vnic.Name, vnic.Width = "vnic_or_vport", 16
	return []Field{
		fld("drop", 1, ActBit(ufp.ActBitDrop)),
		fld("count", 1, ActBit(ufp.ActBitCount)),
		fld("pop_vlan", 1, ActBit(ufp.ActBitPopVLAN)),
		fld("push_vlan", 1, ActBit(ufp.ActBitPushVLAN)),
		fld("vid", 12, ActProp(ufp.PropPushVLANVID)),
		fld("dec_ttl", 1, ActBit(ufp.ActBitDecTTL)),
		vnic,
		fld("stats_ptr", 32, RFOp(RFFlowCntrPtr)),
	}
}

func profFuncReg(dir ufp.Direction) GlbRF {
	if dir == ufp.DirTX {
		return GlbRFProfFuncTX
	}
	return GlbRFProfFuncRX
}

// Builtin returns the built-in template set.
func Builtin() *Set {
	s := &Set{Name: builtinSetName}
	b := &builder{s: s}

	// Tid 0 is never a template.
	s.Class = append(s.Class, Info{})
	s.Act = append(s.Act, Info{})

	fiveTuple := map[ufp.Direction][]uint32{}
	for _, c := range []struct {
		name string
		dir  ufp.Direction
		l4   uint64
	}{
		{ClassIPv4UDPRX, ufp.DirRX, ufp.HdrBitUDP},
		{ClassIPv4TCPRX, ufp.DirRX, ufp.HdrBitTCP},
		{ClassIPv4UDPTX, ufp.DirTX, ufp.HdrBitUDP},
		{ClassIPv4TCPTX, ufp.DirTX, ufp.HdrBitTCP},
	} {
		tid := b.fiveTupleClass(c.name, c.dir)
		fiveTuple[c.dir] = append(fiveTuple[c.dir], tid)
		m := ClassMatch{
			TID:       tid,
			Direction: c.dir,
			HdrBitmap: ufp.HdrBitEth | ufp.HdrBitIPv4 | c.l4,
			Mandatory: ufp.FieldIPv4Src.Bit() | ufp.FieldIPv4Dst.Bit() |
				ufp.FieldL4SrcPort.Bit() | ufp.FieldL4DstPort.Bit(),
			Optional: ufp.FieldEthDMAC.Bit() | ufp.FieldEthType.Bit() | ufp.FieldIPv4Proto.Bit(),
		}
		if c.l4 == ufp.HdrBitTCP {
			m.Excluded = ufp.FieldTCPFlags.Bit()
		}
		s.ClassMatches = append(s.ClassMatches, m)
	}

	vfr := b.vfrepClass()
	for _, hdr := range []uint64{ufp.HdrBitOVLAN, ufp.HdrBitOVLAN | ufp.HdrBitIVLAN} {
		s.ClassMatches = append(s.ClassMatches, ClassMatch{
			TID:        vfr,
			Direction:  ufp.DirRX,
			HdrBitmap:  ufp.HdrBitEth | hdr,
			Optional:   ufp.FieldEthDMAC.Bit() | ufp.FieldOVLANTCI.Bit() | ufp.FieldIVLANTCI.Bit(),
			WCPriority: 2,
		})
	}

	b.defaultClass(ufp.DirRX, tf.IfTableParifDefaultAction, CFPortParif)
	b.defaultClass(ufp.DirTX, tf.IfTableSVIFVNIC, CFPortSVIF)

	allActions := ufp.ActBitDrop | ufp.ActBitCount | ufp.ActBitMark | ufp.ActBitVNIC |
		ufp.ActBitVPort | ufp.ActBitPopVLAN | ufp.ActBitPushVLAN | ufp.ActBitDecTTL
	for _, dir := range []ufp.Direction{ufp.DirRX, ufp.DirTX} {
		tid := b.fullActionTemplate(dir)
		s.ActMatches = append(s.ActMatches, ActMatch{
			TID: tid, Direction: dir, Optional: allActions, Classes: fiveTuple[dir],
		})
	}
	vfrAct := b.vfrepActionTemplate()
	s.ActMatches = append(s.ActMatches, ActMatch{
		TID: vfrAct, Direction: ufp.DirRX,
		Mandatory: ufp.ActBitPopVLAN, Optional: ufp.ActBitCount,
		Classes: []uint32{vfr},
	})
	b.act(ActNone, ufp.DirRX)
	b.cur.Reject = b.conds(ListFalse)

	s.Global = []GlobalResource{
		{Name: "prof-func-rx", Direction: ufp.DirRX, Type: uint16(tf.IdentProfFunc), Reg: GlbRFProfFuncRX},
		{Name: "prof-func-tx", Direction: ufp.DirTX, Type: uint16(tf.IdentProfFunc), Reg: GlbRFProfFuncTX},
	}
	return s
}

// fiveTupleClass programs an IPv4 exact-match flow through three cached
// bundles: the L2 context TCAM entry, the profile TCAM entry, and the
// exact-match entry with its action record.
func (b *builder) fiveTupleClass(name string, dir ufp.Direction) uint32 {
	tid := b.class(name, dir)
	b.cur.Reject = b.conds(ListFalse)

	gt := func(id gentbl.ID) (ufp.ResourceFunc, uint16) {
		return ufp.ResourceFuncGenericTable, uint16(id)
	}

	// L2 context: rows 0-4.
	l2Key := []KeyField{
		exact("svif", 16, CFOp(CFPortSVIF)),
		header(ufp.FieldEthDMAC),
		exact("num_vtags", 8, CFOp(CFNumVTags)),
	}
	l2Res := []Field{
		fld("l2_cntxt_id", 16, RFOp(RFL2CntxtID0)),
		fld("l2_tcam_index", 16, RFOp(RFL2CntxtTCAMIndex)),
	}
	fn, typ := gt(gentbl.TableL2CntxtCache)
	b.row(Table{Name: "l2-cache-read", ResourceFunc: fn, ResourceType: typ, Opcode: TblRead, LookupType: gentbl.LookupHash}, l2Key, l2Res)
	b.row(Table{
		Name: "l2-cache-hit", ResourceFunc: ufp.ResourceFuncControl,
		Execute: Execute{Conds: b.conds(ListAnd, rfNotSet(RFGenericTblMiss)), TrueGoto: 3, FalseGoto: 1},
	}, nil, nil)
	b.row(Table{Name: "l2-rid", ResourceFunc: ufp.ResourceFuncControl, FDBOpcode: FDBAllocRIDRegfile, FDBOperand: RFL2RID}, nil, nil)
	b.row(Table{
		Name: "l2-cntxt-tcam", ResourceFunc: ufp.ResourceFuncTCAMTable, ResourceType: uint16(tf.TCAML2CtxtLow),
		Opcode: TblAllocWrRegfile, Operand: uint64(RFL2CntxtTCAMIndex),
		FDBOpcode: FDBPushRIDRegfile, FDBOperand: RFL2RID,
		PriOpcode: PriAppPri,
	}, []KeyField{
		exact("svif", 16, CFOp(CFPortSVIF)),
		header(ufp.FieldEthDMAC),
		exact("num_vtags", 2, CFOp(CFNumVTags)),
	}, []Field{
		fld("l2_cntxt_id", 16, RFOp(RFL2CntxtID0)),
		fld("prof_func", 8, GlbRFOp(profFuncReg(dir))),
	}, Ident{Name: "l2_cntxt_id", Type: uint16(tf.IdentL2Ctxt), Reg: RFL2CntxtID0})
	b.row(Table{
		Name: "l2-cache-write", ResourceFunc: fn, ResourceType: typ, LookupType: gentbl.LookupHash,
		Opcode: TblWrite, Operand: uint64(RFL2RID), FDBOpcode: FDBPushFID,
	}, l2Key, l2Res)

	// Profile: rows 5-9.
	profKey := []KeyField{
		exact("class_tid", 16, RFOp(RFClassTID)),
		exact("hdr_bitmap", 32, CFOp(CFHdrBitmap)),
		exact("field_bitmap", 32, CFOp(CFFieldBitmap)),
	}
	profRes := []Field{
		fld("em_profile_id", 16, RFOp(RFEMProfileID)),
		fld("prof_tcam_index", 16, RFOp(RFProfTCAMIndex)),
	}
	fn, typ = gt(gentbl.TableProfileCache)
	b.row(Table{Name: "prof-cache-read", ResourceFunc: fn, ResourceType: typ, Opcode: TblRead, LookupType: gentbl.LookupHash}, profKey, profRes)
	b.row(Table{
		Name: "prof-cache-hit", ResourceFunc: ufp.ResourceFuncControl,
		Execute: Execute{Conds: b.conds(ListAnd, rfNotSet(RFGenericTblMiss)), TrueGoto: 3, FalseGoto: 1},
	}, nil, nil)
	b.row(Table{Name: "prof-rid", ResourceFunc: ufp.ResourceFuncControl, FDBOpcode: FDBAllocRIDRegfile, FDBOperand: RFProfRID}, nil, nil)
	b.row(Table{
		Name: "prof-tcam", ResourceFunc: ufp.ResourceFuncTCAMTable, ResourceType: uint16(tf.TCAMProfile),
		Opcode: TblAllocWrRegfile, Operand: uint64(RFProfTCAMIndex),
		FDBOpcode: FDBPushRIDRegfile, FDBOperand: RFProfRID,
		PriOpcode: PriConst, PriOperand: 1,
	}, []KeyField{
		exact("prof_func", 8, GlbRFOp(profFuncReg(dir))),
		exact("hdr_bitmap", 32, CFOp(CFHdrBitmap)),
	}, []Field{
		fld("em_profile_id", 16, RFOp(RFEMProfileID)),
		fld("em_enable", 1, Const(1)),
	}, Ident{Name: "em_profile_id", Type: uint16(tf.IdentEMProf), Reg: RFEMProfileID})
	b.row(Table{
		Name: "prof-cache-write", ResourceFunc: fn, ResourceType: typ, LookupType: gentbl.LookupHash,
		Opcode: TblWrite, Operand: uint64(RFProfRID), FDBOpcode: FDBPushFID,
	}, profKey, profRes)

	// Flow: rows 10-18.
	flowKey := []KeyField{
		exact("class_tid", 16, RFOp(RFClassTID)),
		exact("act_tid", 16, RFOp(RFActTID)),
		exact("svif", 16, CFOp(CFPortSVIF)),
		header(ufp.FieldEthDMAC),
		header(ufp.FieldIPv4Src),
		header(ufp.FieldIPv4Dst),
		header(ufp.FieldIPv4Proto),
		header(ufp.FieldL4SrcPort),
		header(ufp.FieldL4DstPort),
		exact("act_bitmap", 32, CFOp(CFActBitmap)),
		exact("mark", 32, ActProp(ufp.PropMark)),
		exact("vnic", 16, ActProp(ufp.PropVNIC)),
		exact("vport", 16, ActProp(ufp.PropVPort)),
		exact("vid", 16, ActProp(ufp.PropPushVLANVID)),
	}
	flowRes := []Field{
		fld("action_ptr", 32, RFOp(RFMainActionPtr)),
		fld("em_handle", 32, RFOp(RFEMHandle)),
	}
	fn, typ = gt(gentbl.TableFlowCache)
	b.row(Table{Name: "flow-cache-read", ResourceFunc: fn, ResourceType: typ, Opcode: TblRead, LookupType: gentbl.LookupHash}, flowKey, flowRes)
	b.row(Table{
		Name: "flow-cache-miss", ResourceFunc: ufp.ResourceFuncControl,
		Execute: Execute{Conds: b.conds(ListAnd, rfSet(RFGenericTblMiss)), TrueGoto: 4, FalseGoto: 1},
	}, nil, nil)
	b.row(Table{
		Name: "flow-sig-check", ResourceFunc: ufp.ResourceFuncControl,
		Func: FuncInfo{Opcode: FuncNE, Src1: RFOp(RFCacheFlowSig), Src2: RFOp(RFFlowSigID), Dst: RFCC},
	}, nil, nil)
	b.row(Table{
		Name: "flow-sig-conflict", ResourceFunc: ufp.ResourceFuncControl,
		Execute: Execute{Conds: b.conds(ListAnd, rfSet(RFCC)), TrueGoto: GotoReject, FalseGoto: 1},
	}, nil, nil)
	b.row(Table{
		Name: "flow-reuse", ResourceFunc: ufp.ResourceFuncControl,
		Execute: Execute{Conds: b.conds(ListTrue), TrueGoto: 4, FalseGoto: 4},
		Func:    FuncInfo{Opcode: FuncCopy, Src1: Const(1), Dst: RFActionReuse},
	}, nil, nil)
	b.row(Table{Name: "flow-rid", ResourceFunc: ufp.ResourceFuncControl, FDBOpcode: FDBAllocRIDRegfile, FDBOperand: RFRID}, nil, nil)
	b.row(Table{
		Name: "action-alloc", ResourceFunc: ufp.ResourceFuncIndexTable, ResourceType: uint16(tf.TableFullAction),
		Opcode: TblAllocRegfile, Operand: uint64(RFMainActionPtr),
		FDBOpcode: FDBPushRIDRegfile, FDBOperand: RFRID,
		ResultBits: actionRecordBits,
	}, nil, nil)
	b.row(Table{
		Name: "em-insert", ResourceFunc: ufp.ResourceFuncEMTable, ResourceType: uint16(tf.EMInternal),
		Opcode: TblAllocWrRegfile, Operand: uint64(RFEMHandle),
		FDBOpcode: FDBPushRIDRegfile, FDBOperand: RFRID,
		KeyRecipeOpcode: KeyRecipeAlloc, KeyRecipeOperand: RFEMKeyRecipe,
	}, []KeyField{
		exact("l2_cntxt_id", 16, RFOp(RFL2CntxtID0)),
		header(ufp.FieldIPv4Src),
		header(ufp.FieldIPv4Dst),
		header(ufp.FieldIPv4Proto),
		header(ufp.FieldL4SrcPort),
		header(ufp.FieldL4DstPort),
	}, []Field{
		fld("action_ptr", 32, RFOp(RFMainActionPtr)),
	})
	b.row(Table{
		Name: "flow-cache-write", ResourceFunc: fn, ResourceType: typ, LookupType: gentbl.LookupHash,
		Opcode: TblWrite, Operand: uint64(RFRID), FDBOpcode: FDBPushFID, ConflictCheck: true,
	}, flowKey, flowRes)
	return tid
}

// vfrepClass steers double- or single-tagged traffic arriving on a VF
// representor through a bypass L2 context TCAM entry.
func (b *builder) vfrepClass() uint32 {
	tid := b.class(ClassVFRepVLAN, ufp.DirRX)
	b.cur.Reject = b.conds(ListAnd, Cond{CondCFNotSet, uint64(CFMatchPortIsVFRep)})

	b.row(Table{
		Name: "action-alloc", ResourceFunc: ufp.ResourceFuncIndexTable, ResourceType: uint16(tf.TableFullAction),
		Opcode: TblAllocRegfile, Operand: uint64(RFMainActionPtr), FDBOpcode: FDBPushFID,
		ResultBits: actionRecordBits,
	}, nil, nil)
	b.row(Table{
		Name: "bypass-tcam", ResourceFunc: ufp.ResourceFuncTCAMTable, ResourceType: uint16(tf.TCAML2CtxtHigh),
		Opcode: TblAllocWrRegfile, Operand: uint64(RFBypassTCAMIndex), FDBOpcode: FDBPushFID,
		PriOpcode: PriRegfile, PriOperand: uint64(RFWCPriority),
	}, []KeyField{
		exact("svif", 16, CFOp(CFPortSVIF)),
		exact("num_vtags", 2, CFOp(CFNumVTags)),
	}, []Field{
		fld("action_ptr", 32, RFOp(RFMainActionPtr)),
		fld("bypass", 1, Const(1)),
		{
			Name: "l2_num_vtags", Width: 2, Opcode: FieldSrc1ThenSrc2ElseSrc3,
			Src1: HdrBit(ufp.HdrBitIVLAN), Src2: Const(2), Src3: HdrBit(ufp.HdrBitOVLAN),
		},
	})
	return tid
}

// defaultClass installs the default action of a port. A second default
// flow on the same port conflicts.
func (b *builder) defaultClass(dir ufp.Direction, ifTbl tf.IfTableType, index CF) {
	b.class(DefaultClass(dir), dir)
	b.cur.Reject = b.conds(ListFalse)

	key := []KeyField{exact("port_id", 16, CFOp(CFPortID))}
	res := []Field{
		fld("svif", 16, CFOp(CFPortSVIF)),
		fld("vnic", 16, CFOp(CFDrvFuncVNIC)),
	}
	fn, typ := ufp.ResourceFuncGenericTable, uint16(gentbl.TablePortDefault)
	b.row(Table{Name: "port-default-read", ResourceFunc: fn, ResourceType: typ, Opcode: TblRead, LookupType: gentbl.LookupIndex}, key, res)
	b.row(Table{
		Name: "port-default-exists", ResourceFunc: ufp.ResourceFuncControl,
		Execute: Execute{Conds: b.conds(ListAnd, rfNotSet(RFGenericTblMiss)), TrueGoto: GotoReject, FalseGoto: 1},
		Func:    FuncInfo{Opcode: FuncCopy, Src1: Const(1), Dst: RFCC},
	}, nil, nil)
	b.row(Table{
		Name:         fmt.Sprintf("%s-write", tf.TypeName(ufp.ResourceFuncIfTable, uint16(ifTbl))),
		ResourceFunc: ufp.ResourceFuncIfTable,
		ResourceType: uint16(ifTbl),
		Opcode:       TblWrCompField,
		Operand:      uint64(index),
		FDBOpcode:    FDBPushFID,
	}, nil, []Field{
		fld("vnic", 16, CFOp(CFDrvFuncVNIC)),
		fld("valid", 1, Const(1)),
	})
	b.row(Table{
		Name: "port-default-write", ResourceFunc: fn, ResourceType: typ, LookupType: gentbl.LookupIndex,
		Opcode: TblWrite, FDBOpcode: FDBPushFID,
	}, key, res)
}

// fullActionTemplate fills the action record allocated by a five-tuple
// class template. It does nothing when the class template reused a
// cached flow.
func (b *builder) fullActionTemplate(dir ufp.Direction) uint32 {
	name := ActFullActionRX
	if dir == ufp.DirTX {
		name = ActFullActionTX
	}
	tid := b.act(name, dir)
	b.cur.Reject = b.conds(ListFalse)

	b.row(Table{
		Name: "reuse", ResourceFunc: ufp.ResourceFuncControl,
		Execute: Execute{Conds: b.conds(ListAnd, rfSet(RFActionReuse)), TrueGoto: 4, FalseGoto: 1},
	}, nil, nil)
	b.row(Table{
		Name: "counter", ResourceFunc: ufp.ResourceFuncCMMStat, ResourceType: uint16(tf.TableStats),
		Execute: b.when(Cond{CondActBitIsSet, ufp.ActBitCount}),
		Opcode:  TblAllocWrRegfile, Operand: uint64(RFFlowCntrPtr),
		FDBOpcode: FDBPushRIDRegfile, FDBOperand: RFRID,
	}, nil, []Field{fld("packets", 64, Operand{}), fld("bytes", 64, Operand{})})
	b.row(Table{
		Name: "action-write", ResourceFunc: ufp.ResourceFuncIndexTable, ResourceType: uint16(tf.TableFullAction),
		Opcode: TblWrite, Operand: uint64(RFMainActionPtr), ResultBits: actionRecordBits,
	}, nil, actionRecord(Field{
		Opcode: FieldSrc1ThenSrc2ElseSrc3,
		Src1:   ActBit(ufp.ActBitVNIC), Src2: ActProp(ufp.PropVNIC), Src3: ActProp(ufp.PropVPort),
	}))
	b.row(Table{
		Name:         "mark",
		ResourceFunc: ufp.ResourceFuncControl,
		Execute:      b.when(Cond{CondActBitIsSet, ufp.ActBitMark}),
		MarkOpcode:   MarkLFID,
		MarkOperand:  RFRID,
		FDBOpcode:    FDBPushRIDRegfile,
		FDBOperand:   RFRID,
	}, nil, nil)
	return tid
}

// vfrepActionTemplate forwards representor traffic to the VF it
// represents.
func (b *builder) vfrepActionTemplate() uint32 {
	tid := b.act(ActVFRepToVF, ufp.DirRX)
	b.cur.Reject = b.conds(ListFalse)

	b.row(Table{
		Name: "counter", ResourceFunc: ufp.ResourceFuncCMMStat, ResourceType: uint16(tf.TableStats),
		Execute: b.when(Cond{CondActBitIsSet, ufp.ActBitCount}),
		Opcode:  TblAllocWrRegfile, Operand: uint64(RFFlowCntrPtr), FDBOpcode: FDBPushFID,
	}, nil, []Field{fld("packets", 64, Operand{}), fld("bytes", 64, Operand{})})
	b.row(Table{
		Name: "action-write", ResourceFunc: ufp.ResourceFuncIndexTable, ResourceType: uint16(tf.TableFullAction),
		Opcode: TblWrite, Operand: uint64(RFMainActionPtr), ResultBits: actionRecordBits,
	}, nil, actionRecord(fld("", 0, CFOp(CFVFFuncVNIC))))
	return tid
}
