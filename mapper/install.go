package mapper

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/blob"
	"github.com/frobware/go-ufp/flowdb"
	"github.com/frobware/go-ufp/gentbl"
	"github.com/frobware/go-ufp/keyrecipe"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/template"
	"github.com/frobware/go-ufp/tf"
)

// State is the phase an install is in.
type State uint8

const (
	StateIdle State = iota
	StateReject
	StateClass
	StateAction
	StateLink
	StateCommit
	StateDone
	StateRollback
)

var stateNames = [...]string{
	StateIdle:     "idle",
	StateReject:   "reject",
	StateClass:    "class",
	StateAction:   "action",
	StateLink:     "link",
	StateCommit:   "commit",
	StateDone:     "done",
	StateRollback: "rollback",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Params select the templates an install runs and describe the flow.
type Params struct {
	Rule       *ufp.Rule
	ClassTID   uint32
	ActTID     uint32
	WCPriority uint16
	FlowType   ufp.FlowType
}

// Step is one visited row.
type Step struct {
	State    State  `json:"state"`
	Template string `json:"template"`
	Row      string `json:"row"`
	Executed bool   `json:"executed"`
}

// Result describes a committed install.
type Result struct {
	FlowID ufp.FlowID `json:"flow_id"`
	Trace  []Step     `json:"trace,omitempty"`
}

type install struct {
	m     *Mapper
	rule  *ufp.Rule
	fid   ufp.FlowID
	state State

	rf        [template.NumRF]uint64
	populated [template.NumRF]bool
	rids      []ufp.FlowID
	trace     []Step
}

func (in *install) enter(ctx context.Context, s State) {
	logging.Trace(ctx, in.m.logger, "install state", "from", in.state, "to", s, "flow_id", in.fid)
	in.state = s
}

// Install runs the class and action templates of p for p.Rule. On
// success the returned flow owns every resource the run acquired. On
// failure nothing the run acquired remains and the error is the one
// that stopped it.
func (m *Mapper) Install(ctx context.Context, p Params) (Result, error) {
	if p.Rule == nil || !p.Rule.Direction.Valid() {
		return Result{}, fmt.Errorf("install: rule missing or without direction: %w", ufp.ErrInvalidArg)
	}
	if p.FlowType == ufp.FlowTypeRID {
		return Result{}, fmt.Errorf("install: %s flows are internal: %w", p.FlowType, ufp.ErrInvalidArg)
	}
	class, err := m.tmpl.ClassTemplate(p.ClassTID)
	if err != nil {
		return Result{}, err
	}
	act, err := m.tmpl.ActTemplate(p.ActTID)
	if err != nil {
		return Result{}, err
	}

	in := &install{m: m, rule: p.Rule}
	in.enter(ctx, StateReject)
	if err := in.reject(class, p.ClassTID); err != nil {
		return Result{}, err
	}
	if err := in.reject(act, p.ActTID); err != nil {
		return Result{}, err
	}

	fid, err := m.flows.Alloc(flowdb.Attrs{
		Type:       p.FlowType,
		Direction:  p.Rule.Direction,
		FunctionID: p.Rule.FunctionID,
		Priority:   p.Rule.Priority,
	})
	if err != nil {
		return Result{}, err
	}
	in.fid = fid
	in.setReg(template.RFClassTID, uint64(p.ClassTID))
	in.setReg(template.RFActTID, uint64(p.ActTID))
	in.setReg(template.RFWCPriority, uint64(p.WCPriority))
	in.setReg(template.RFFlowSigID, p.Rule.Signature())
	in.setReg(template.RFFlowID, uint64(fid))

	if err := in.run(ctx, p, class, act); err != nil {
		in.enter(ctx, StateRollback)
		if rerr := m.flows.FlowFlush(ctx, fid); rerr != nil {
			m.logger.WarnContext(ctx, "rollback incomplete", "flow_id", fid, "error", rerr)
		}
		m.logger.DebugContext(ctx, "install failed", "flow_id", fid, "class", class.Name, "action", act.Name, "error", err)
		return Result{}, err
	}
	in.enter(ctx, StateDone)
	m.logger.DebugContext(ctx, "flow installed", "flow_id", fid, "class", class.Name, "action", act.Name, "rids", len(in.rids))
	return Result{FlowID: fid, Trace: in.trace}, nil
}

func (in *install) run(ctx context.Context, p Params, class, act template.Info) error {
	in.enter(ctx, StateClass)
	if err := in.template(ctx, class, p.ClassTID); err != nil {
		return err
	}
	in.enter(ctx, StateAction)
	if err := in.template(ctx, act, p.ActTID); err != nil {
		return err
	}
	if parent := p.Rule.ParentFlowID; parent != 0 {
		in.enter(ctx, StateLink)
		if err := in.m.flows.ParentChildLink(parent, in.fid); err != nil {
			return err
		}
	}
	in.enter(ctx, StateCommit)
	for _, rid := range in.rids {
		if err := in.m.flows.Commit(rid); err != nil {
			var nf ufp.ErrFlowNotFound
			if errors.As(err, &nf) {
				continue
			}
			return err
		}
	}
	return in.m.flows.Commit(in.fid)
}

// reject evaluates a template's reject condition list.
func (in *install) reject(info template.Info, tid uint32) error {
	hit, err := in.condList(info.Reject)
	if err != nil {
		return err
	}
	if hit {
		return ufp.ErrTemplateReject{TID: tid, Table: -1}
	}
	return nil
}

// template walks the rows of info from its first row until execution
// moves past the last one.
func (in *install) template(ctx context.Context, info template.Info, tid uint32) error {
	rel := 0
	for rel < info.NumTbls {
		t := &in.m.tmpl.Tables[info.StartTbl+rel]
		ok, err := in.condList(t.Execute.Conds)
		if err != nil {
			return fmt.Errorf("%s row %d (%s): %w", info.Name, rel, t.Name, err)
		}
		goTo := t.Execute.FalseGoto
		if ok {
			if err := in.row(ctx, t); err != nil {
				return fmt.Errorf("%s row %d (%s): %w", info.Name, rel, t.Name, err)
			}
			goTo = t.Execute.TrueGoto
		}
		in.trace = append(in.trace, Step{State: in.state, Template: info.Name, Row: t.Name, Executed: ok})
		logging.Trace(ctx, in.m.logger, "row", "template", info.Name, "row", rel, "name", t.Name, "executed", ok, "goto", goTo)

		switch {
		case goTo == template.GotoReject:
			if in.rf[template.RFCC] != 0 {
				return ufp.ErrCacheConflict{TID: tid, Table: rel}
			}
			return ufp.ErrTemplateReject{TID: tid, Table: rel}
		case goTo <= 0:
			return ufp.Errorf(ufp.KindInternal, "%s row %d: goto %d", info.Name, rel, goTo)
		}
		rel += goTo
	}
	return nil
}

// row runs one row whose conditions held: identifier allocations, the
// table operation, the register function, the mark and finally the RID
// allocation.
func (in *install) row(ctx context.Context, t *template.Table) error {
	for _, id := range in.m.tmpl.IdentList(t) {
		if err := in.ident(ctx, t, id); err != nil {
			return err
		}
	}
	if err := in.tableOp(ctx, t); err != nil {
		return err
	}
	if err := in.function(t.Func); err != nil {
		return err
	}
	if err := in.mark(ctx, t); err != nil {
		return err
	}
	if t.FDBOpcode == template.FDBAllocRIDRegfile {
		return in.allocRID(ctx, t)
	}
	return nil
}

func (in *install) tableOp(ctx context.Context, t *template.Table) error {
	switch t.ResourceFunc {
	case ufp.ResourceFuncControl:
		return nil
	case ufp.ResourceFuncIndexTable, ufp.ResourceFuncCMMStat:
		return in.indexTable(ctx, t)
	case ufp.ResourceFuncTCAMTable:
		return in.tcam(ctx, t)
	case ufp.ResourceFuncEMTable:
		return in.exactMatch(ctx, t)
	case ufp.ResourceFuncIfTable:
		return in.ifTable(ctx, t)
	case ufp.ResourceFuncGenericTable:
		return in.generic(ctx, t)
	default:
		return ufp.Errorf(ufp.KindUnsupportedPattern, "resource function %s", t.ResourceFunc)
	}
}

// owner returns the flow a resource acquired by t is recorded in.
func (in *install) owner(t *template.Table) ufp.FlowID {
	if t.FDBOpcode == template.FDBPushRIDRegfile {
		if rid := in.rf[t.FDBOperand]; rid != 0 {
			return ufp.FlowID(rid)
		}
	}
	return in.fid
}

// record appends r to the owning flow. A record that cannot be added is
// released on the spot so nothing is left unowned.
func (in *install) record(ctx context.Context, t *template.Table, r ufp.Resource) error {
	r.Direction = t.Direction
	r.Session = t.Session
	if t.Critical {
		r.Flags |= ufp.ReserveCritical
	}
	owner := in.owner(t)
	err := in.m.flows.ResourceAdd(owner, r)
	if err == nil {
		logging.Trace(ctx, in.m.logger, "resource recorded", "flow_id", owner, "resource", r.String())
		return nil
	}
	if cb := in.m.releases[r.Func]; cb != nil {
		if rerr := cb(ctx, owner, r); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

func (in *install) ident(ctx context.Context, t *template.Table, id template.Ident) error {
	reg, err := in.reg(uint64(id.Reg))
	if err != nil {
		return err
	}
	v, err := in.m.tf.AllocIdent(ctx, t.Direction, tf.IdentType(id.Type))
	if err != nil {
		return fmt.Errorf("identifier %s: %w", id.Name, err)
	}
	if err := in.record(ctx, t, ufp.Resource{Func: ufp.ResourceFuncIdentifier, Subtype: id.Type, Handle: uint64(v)}); err != nil {
		return err
	}
	in.setReg(reg, uint64(v))
	return nil
}

func (in *install) indexTable(ctx context.Context, t *template.Table) error {
	typ := tf.TableType(t.ResourceType)
	reg, err := in.reg(t.Operand)
	if err != nil {
		return err
	}
	switch t.Opcode {
	case template.TblAllocRegfile, template.TblAllocWrRegfile:
		idx, err := in.m.tf.AllocTblEntry(ctx, t.Direction, typ)
		if err != nil {
			return err
		}
		if err := in.record(ctx, t, ufp.Resource{Func: t.ResourceFunc, Subtype: t.ResourceType, Handle: uint64(idx)}); err != nil {
			return err
		}
		in.setReg(reg, uint64(idx))
		if t.Opcode == template.TblAllocRegfile {
			return nil
		}
		data, err := in.result(t)
		if err != nil {
			return err
		}
		return in.m.tf.SetTblEntry(ctx, t.Direction, typ, idx, data)
	case template.TblWrite:
		if !in.populated[reg] {
			return ufp.Errorf(ufp.KindInternal, "write through unpopulated register %s", reg)
		}
		data, err := in.result(t)
		if err != nil {
			return err
		}
		return in.m.tf.SetTblEntry(ctx, t.Direction, typ, uint32(in.rf[reg]), data)
	case template.TblRead:
		if !in.populated[reg] {
			return ufp.Errorf(ufp.KindInternal, "read through unpopulated register %s", reg)
		}
		data, err := in.m.tf.GetTblEntry(ctx, t.Direction, typ, uint32(in.rf[reg]))
		if err != nil {
			return err
		}
		return in.unpack(t, data)
	default:
		return ufp.Errorf(ufp.KindUnsupportedPattern, "%s on %s", t.Opcode, t.ResourceFunc)
	}
}

func (in *install) priority(t *template.Table) (uint16, error) {
	switch t.PriOpcode {
	case template.PriNop:
		return 0, nil
	case template.PriConst:
		return uint16(t.PriOperand), nil
	case template.PriAppPri:
		return in.rule.Priority, nil
	case template.PriRegfile:
		r, err := in.reg(t.PriOperand)
		if err != nil {
			return 0, err
		}
		return uint16(in.rf[r]), nil
	default:
		return 0, ufp.Errorf(ufp.KindInternal, "priority opcode %d", t.PriOpcode)
	}
}

func (in *install) tcam(ctx context.Context, t *template.Table) error {
	reg, err := in.reg(t.Operand)
	if err != nil {
		return err
	}
	key, mask, err := in.keys(t)
	if err != nil {
		return err
	}
	res, err := in.result(t)
	if err != nil {
		return err
	}
	pri, err := in.priority(t)
	if err != nil {
		return err
	}
	idx, err := in.m.tf.AllocTCAM(ctx, tf.TCAMEntry{
		Dir:      t.Direction,
		Type:     tf.TCAMType(t.ResourceType),
		Priority: pri,
		Key:      key,
		Mask:     mask,
		Result:   res,
	})
	if err != nil {
		return err
	}
	if err := in.record(ctx, t, ufp.Resource{Func: ufp.ResourceFuncTCAMTable, Subtype: t.ResourceType, Handle: uint64(idx)}); err != nil {
		return err
	}
	in.setReg(reg, uint64(idx))
	return nil
}

// recipe interns the key layout of t.
func (in *install) recipe(ctx context.Context, t *template.Table) error {
	reg, err := in.reg(uint64(t.KeyRecipeOperand))
	if err != nil {
		return err
	}
	var fields []keyrecipe.Field
	off := 0
	for _, k := range in.m.tmpl.KeyFields(t) {
		fields = append(fields, keyrecipe.Field{
			Selector: uint16(k.Spec.Src1.Src)<<8 | uint16(k.Spec.Src1.Opr&0xff),
			Offset:   uint16(off),
			Width:    uint16(k.Spec.Width),
		})
		off += k.Spec.Width
	}
	id, fp, err := in.m.recipes.Intern(t.Direction, fields)
	if err != nil {
		return err
	}
	r := ufp.Resource{
		Func:           ufp.ResourceFuncGenericTable,
		Subtype:        uint16(gentbl.TableKeyRecipe),
		Handle:         uint64(id),
		KeyFingerprint: fp,
	}
	if err := in.record(ctx, t, r); err != nil {
		return err
	}
	in.setReg(reg, uint64(id))
	return nil
}

func (in *install) exactMatch(ctx context.Context, t *template.Table) error {
	reg, err := in.reg(t.Operand)
	if err != nil {
		return err
	}
	if t.KeyRecipeOpcode == template.KeyRecipeAlloc {
		if err := in.recipe(ctx, t); err != nil {
			return err
		}
	}
	key, _, err := in.keys(t)
	if err != nil {
		return err
	}
	res, err := in.result(t)
	if err != nil {
		return err
	}
	h, err := in.m.tf.InsertEM(ctx, tf.EMEntry{Dir: t.Direction, Type: tf.EMType(t.ResourceType), Key: key, Result: res})
	if err != nil {
		return err
	}
	if err := in.record(ctx, t, ufp.Resource{Func: ufp.ResourceFuncEMTable, Subtype: t.ResourceType, Handle: h}); err != nil {
		return err
	}
	in.setReg(reg, h)
	return nil
}

func (in *install) ifTable(ctx context.Context, t *template.Table) error {
	var idx uint64
	switch t.Opcode {
	case template.TblWrCompField:
		v, err := in.computed(template.CF(t.Operand))
		if err != nil {
			return err
		}
		idx = v
	case template.TblWrConst:
		idx = t.Operand
	case template.TblWrRegfile:
		r, err := in.reg(t.Operand)
		if err != nil {
			return err
		}
		idx = in.rf[r]
	default:
		return ufp.Errorf(ufp.KindUnsupportedPattern, "%s on %s", t.Opcode, t.ResourceFunc)
	}
	data, err := in.result(t)
	if err != nil {
		return err
	}
	typ := tf.IfTableType(t.ResourceType)
	if err := in.m.tf.SetIfTbl(ctx, t.Direction, typ, uint32(idx), data); err != nil {
		return err
	}
	return in.record(ctx, t, ufp.Resource{Func: ufp.ResourceFuncIfTable, Subtype: t.ResourceType, Handle: idx})
}

// generic runs a generic-table READ or WRITE. A READ never allocates:
// it sets RFGenericTblMiss and, on a hit, loads the cached registers and
// the signature the entry was installed under. A WRITE takes a
// reference on the entry, creating it with the RID held in the operand
// register as owner of the cached bundle.
func (in *install) generic(ctx context.Context, t *template.Table) error {
	tbl, err := in.m.tables.Table(t.Direction, gentbl.ID(t.ResourceType))
	if err != nil {
		return err
	}
	if tbl.Params().LookupType != t.LookupType {
		return ufp.Errorf(ufp.KindInternal, "table %s is %s, row expects %s", tbl.Name(), tbl.Params().LookupType, t.LookupType)
	}
	key, _, err := in.keys(t)
	if err != nil {
		return err
	}
	sig := in.rf[template.RFFlowSigID]

	switch t.Opcode {
	case template.TblRead:
		rr, err := tbl.Read(key)
		if err != nil {
			return err
		}
		if !rr.Hit {
			in.setReg(template.RFGenericTblMiss, 1)
			return nil
		}
		in.setReg(template.RFGenericTblMiss, 0)
		if e, ok := tbl.Entry(rr.Slot); ok {
			in.setReg(template.RFCacheFlowSig, e.FlowSig)
		}
		return in.unpack(t, rr.Result)

	case template.TblWrite:
		var rid ufp.FlowID
		if t.Operand != uint64(template.RFInvalid) {
			r, err := in.reg(t.Operand)
			if err != nil {
				return err
			}
			rid = ufp.FlowID(in.rf[r])
		}
		if t.ConflictCheck {
			rr, err := tbl.Read(key)
			if err != nil {
				return err
			}
			if rr.Hit && tbl.ConflictCheck(rr.Slot, sig) {
				return ufp.ErrCacheConflict{TID: uint32(in.rf[template.RFClassTID]), Table: -1}
			}
		}
		res, err := in.result(t)
		if err != nil {
			return err
		}
		slot, created, err := tbl.Write(key, res, gentbl.WriteOpts{Owner: in.fid, FlowSig: sig, RID: rid})
		if err != nil {
			return err
		}
		logging.Trace(ctx, in.m.logger, "cache write", "table", tbl.Name(), "slot", slot, "created", created, "rid", rid)
		return in.record(ctx, t, ufp.Resource{
			Func:           ufp.ResourceFuncGenericTable,
			Subtype:        t.ResourceType,
			Handle:         uint64(slot),
			KeyFingerprint: gentbl.Fingerprint(key),
		})

	default:
		return ufp.Errorf(ufp.KindUnsupportedPattern, "%s on %s", t.Opcode, t.ResourceFunc)
	}
}

func (in *install) mark(ctx context.Context, t *template.Table) error {
	if t.MarkOpcode == template.MarkNop {
		return nil
	}
	fid := in.fid
	var (
		flags markdb.Flags
		mark  uint64
	)
	switch t.MarkOpcode {
	case template.MarkLFID, template.MarkGFID:
		if t.MarkOperand != template.RFInvalid {
			if v := in.rf[t.MarkOperand]; v != 0 {
				fid = ufp.FlowID(v)
			}
		}
		v, ok := in.rule.Prop(ufp.PropMark)
		if !ok {
			return fmt.Errorf("mark action without a mark value: %w", ufp.ErrInvalidArg)
		}
		mark = blob.ToUint(v)
		if t.MarkOpcode == template.MarkGFID {
			flags |= markdb.FlagGFID
		}
	case template.MarkVFRID:
		v, err := in.computed(template.CFPortIDMeta)
		if err != nil {
			return err
		}
		mark = v
		flags |= markdb.FlagVFRID
	default:
		return ufp.Errorf(ufp.KindInternal, "mark opcode %d", t.MarkOpcode)
	}
	if err := in.m.marks.Add(flags, uint32(fid), uint32(mark)); err != nil {
		return err
	}
	handle := uint64(fid)
	if flags&markdb.FlagGFID != 0 {
		handle |= ufp.MarkHandleGlobal
	}
	return in.record(ctx, t, ufp.Resource{Func: ufp.ResourceFuncControl, Subtype: ufp.ControlSubtypeMark, Handle: handle})
}

// allocRID draws a RID flow for a cached bundle. The main flow holds a
// transient record of it until commit so a failed install flushes it.
func (in *install) allocRID(ctx context.Context, t *template.Table) error {
	rid, err := in.m.flows.Alloc(flowdb.Attrs{
		Type:       ufp.FlowTypeRID,
		Direction:  in.rule.Direction,
		FunctionID: in.rule.FunctionID,
		Priority:   in.rule.Priority,
	})
	if err != nil {
		return err
	}
	r := ufp.Resource{
		Func:      ufp.ResourceFuncRIDAlloc,
		Direction: t.Direction,
		Handle:    uint64(rid),
		Flags:     ufp.ReserveTransient,
	}
	if err := in.m.flows.ResourceAdd(in.fid, r); err != nil {
		return errors.Join(err, in.m.flows.FlowFlush(ctx, rid))
	}
	in.rids = append(in.rids, rid)
	in.setReg(t.FDBOperand, uint64(rid))
	logging.Trace(ctx, in.m.logger, "rid allocated", "flow_id", in.fid, "rid", rid)
	return nil
}
