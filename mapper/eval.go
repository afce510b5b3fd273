package mapper

import (
	"fmt"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/blob"
	"github.com/frobware/go-ufp/template"
)

// fit returns v as exactly n big-endian bytes, keeping the low bytes.
func fit(v []byte, n int) []byte {
	if len(v) == n {
		return v
	}
	out := make([]byte, n)
	if len(v) > n {
		copy(out, v[len(v)-n:])
	} else {
		copy(out[n-len(v):], v)
	}
	return out
}

func nonZero(v []byte) bool {
	for _, c := range v {
		if c != 0 {
			return true
		}
	}
	return false
}

func bit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (in *install) reg(r uint64) (template.RF, error) {
	if r == uint64(template.RFInvalid) || r >= uint64(template.NumRF) {
		return 0, ufp.Errorf(ufp.KindInternal, "register %d out of range", r)
	}
	return template.RF(r), nil
}

func (in *install) setReg(r template.RF, v uint64) {
	in.rf[r] = v
	in.populated[r] = true
}

// computed resolves a computed field against the rule and the port
// database.
func (in *install) computed(c template.CF) (uint64, error) {
	if f, ok := c.PortField(); ok {
		return in.m.ports.ComputedFieldGet(in.rule.PortID, f)
	}
	r := in.rule
	switch c {
	case template.CFPortID:
		return uint64(r.PortID), nil
	case template.CFFunctionID:
		return uint64(r.FunctionID), nil
	case template.CFDirection:
		return uint64(r.Direction), nil
	case template.CFNumVTags:
		return uint64(r.VLANTags()), nil
	case template.CFAppPriority:
		return uint64(r.Priority), nil
	case template.CFHdrBitmap:
		return r.HdrBitmap, nil
	case template.CFFieldBitmap:
		return r.FieldBitmap, nil
	case template.CFActBitmap:
		return r.ActBitmap, nil
	default:
		return 0, ufp.Errorf(ufp.KindInternal, "computed field %d", c)
	}
}

// operand returns the value of o as a big-endian byte string. width is
// only consulted by SrcOnes.
func (in *install) operand(o template.Operand, width int) ([]byte, error) {
	switch o.Src {
	case template.SrcZero:
		return nil, nil
	case template.SrcOnes:
		out := make([]byte, (width+7)/8)
		for i := range out {
			out[i] = 0xff
		}
		return out, nil
	case template.SrcConst:
		return blob.FromUint(o.Opr, 64), nil
	case template.SrcHF, template.SrcHFMask:
		if o.Opr == 0 || o.Opr >= uint64(ufp.NumFields) {
			return nil, ufp.Errorf(ufp.KindInternal, "header field %d", o.Opr)
		}
		fs, ok := in.rule.Field(ufp.FieldID(o.Opr))
		if !ok {
			return nil, nil
		}
		if o.Src == template.SrcHFMask {
			return fs.Mask, nil
		}
		return fs.Value, nil
	case template.SrcCF:
		v, err := in.computed(template.CF(o.Opr))
		if err != nil {
			return nil, err
		}
		return blob.FromUint(v, 64), nil
	case template.SrcRF:
		r, err := in.reg(o.Opr)
		if err != nil {
			return nil, err
		}
		return blob.FromUint(in.rf[r], 64), nil
	case template.SrcGlbRF:
		if o.Opr >= uint64(template.NumGlbRF) {
			return nil, ufp.Errorf(ufp.KindInternal, "global register %d out of range", o.Opr)
		}
		return blob.FromUint(in.m.glb[o.Opr], 64), nil
	case template.SrcHdrBit:
		return []byte{byte(bit(in.rule.HdrBitmap&o.Opr != 0))}, nil
	case template.SrcFieldBit:
		return []byte{byte(bit(in.rule.FieldBitmap&o.Opr != 0))}, nil
	case template.SrcActBit:
		return []byte{byte(bit(in.rule.ActBitmap&o.Opr != 0))}, nil
	case template.SrcActProp:
		if o.Opr >= uint64(ufp.NumProps) {
			return nil, ufp.Errorf(ufp.KindInternal, "action property %d", o.Opr)
		}
		v, _ := in.rule.Prop(ufp.PropID(o.Opr))
		return v, nil
	default:
		return nil, ufp.Errorf(ufp.KindInternal, "operand source %s", o.Src)
	}
}

func (in *install) scalar(o template.Operand) (uint64, error) {
	v, err := in.operand(o, 64)
	if err != nil {
		return 0, err
	}
	return blob.ToUint(v), nil
}

// field evaluates f to (f.Width+7)/8 big-endian bytes.
func (in *install) field(f template.Field) ([]byte, error) {
	n := (f.Width + 7) / 8
	v1, err := in.operand(f.Src1, f.Width)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.Name, err)
	}
	switch f.Opcode {
	case template.FieldSrc1:
		return fit(v1, n), nil
	case template.FieldSrc1ThenSrc2ElseSrc3:
		pick := f.Src3
		if nonZero(v1) {
			pick = f.Src2
		}
		v, err := in.operand(pick, f.Width)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return fit(v, n), nil
	case template.FieldSrc1AndSrc2OrSrc3:
		v2, err := in.operand(f.Src2, f.Width)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		v3, err := in.operand(f.Src3, f.Width)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		a, b, c := fit(v1, n), fit(v2, n), fit(v3, n)
		out := make([]byte, n)
		for i := range out {
			out[i] = a[i]&b[i] | c[i]
		}
		return out, nil
	default:
		return nil, ufp.Errorf(ufp.KindInternal, "field %s: opcode %d", f.Name, f.Opcode)
	}
}

// pack builds a blob of bits bits from fields.
func (in *install) pack(fields []template.Field, bits int, order blob.ByteOrder) ([]byte, error) {
	b := blob.New(bits, order)
	for _, f := range fields {
		v, err := in.field(f)
		if err != nil {
			return nil, err
		}
		if err := b.Push(v, f.Width); err != nil {
			return nil, ufp.Errorf(ufp.KindInternal, "field %s: %v", f.Name, err)
		}
	}
	return b.Bytes(), nil
}

// keys builds the key and mask blobs of row t.
func (in *install) keys(t *template.Table) (key, mask []byte, err error) {
	kf := in.m.tmpl.KeyFields(t)
	specs := make([]template.Field, len(kf))
	masks := make([]template.Field, len(kf))
	for i, k := range kf {
		specs[i], masks[i] = k.Spec, k.Mask
	}
	bits := t.BlobKeyBits
	if bits == 0 {
		bits = t.KeyBits
	}
	if key, err = in.pack(specs, bits, t.ByteOrder); err != nil {
		return nil, nil, err
	}
	if t.ResourceFunc == ufp.ResourceFuncTCAMTable {
		if mask, err = in.pack(masks, bits, t.ByteOrder); err != nil {
			return nil, nil, err
		}
	}
	return key, mask, nil
}

// result builds the result blob of row t.
func (in *install) result(t *template.Table) ([]byte, error) {
	return in.pack(in.m.tmpl.ResultFields(t), t.ResultBits, t.ByteOrder)
}

// unpack stores every register-sourced field of a result blob back into
// its register.
func (in *install) unpack(t *template.Table, data []byte) error {
	b := blob.FromBytes(data, t.ByteOrder)
	off := 0
	for _, f := range in.m.tmpl.ResultFields(t) {
		if f.Opcode == template.FieldSrc1 && f.Src1.Src == template.SrcRF && f.Width <= 64 {
			r, err := in.reg(f.Src1.Opr)
			if err != nil {
				return err
			}
			v, err := b.Uint(off, f.Width)
			if err != nil {
				return ufp.Errorf(ufp.KindInternal, "unpack %s: %v", f.Name, err)
			}
			in.setReg(r, v)
		}
		off += f.Width
	}
	return nil
}

func (in *install) cond(c template.Cond) (bool, error) {
	switch c.Opcode {
	case template.CondRFIsSet, template.CondRFNotSet:
		r, err := in.reg(c.Operand)
		if err != nil {
			return false, err
		}
		return (in.rf[r] != 0) == (c.Opcode == template.CondRFIsSet), nil
	case template.CondCFIsSet, template.CondCFNotSet:
		v, err := in.computed(template.CF(c.Operand))
		if err != nil {
			return false, err
		}
		return (v != 0) == (c.Opcode == template.CondCFIsSet), nil
	case template.CondHdrBitIsSet, template.CondHdrBitNotSet:
		return (in.rule.HdrBitmap&c.Operand != 0) == (c.Opcode == template.CondHdrBitIsSet), nil
	case template.CondFieldBitIsSet, template.CondFieldBitNotSet:
		return (in.rule.FieldBitmap&c.Operand != 0) == (c.Opcode == template.CondFieldBitIsSet), nil
	case template.CondActBitIsSet, template.CondActBitNotSet:
		return (in.rule.ActBitmap&c.Operand != 0) == (c.Opcode == template.CondActBitIsSet), nil
	default:
		return false, ufp.Errorf(ufp.KindInternal, "condition opcode %d", c.Opcode)
	}
}

func (in *install) condList(l template.CondList) (bool, error) {
	switch l.Opcode {
	case template.ListTrue:
		return true, nil
	case template.ListFalse:
		return false, nil
	case template.ListAnd, template.ListOr:
		for _, c := range in.m.tmpl.CondRange(l) {
			ok, err := in.cond(c)
			if err != nil {
				return false, err
			}
			if l.Opcode == template.ListAnd && !ok {
				return false, nil
			}
			if l.Opcode == template.ListOr && ok {
				return true, nil
			}
		}
		return l.Opcode == template.ListAnd, nil
	default:
		return false, ufp.Errorf(ufp.KindInternal, "condition list opcode %d", l.Opcode)
	}
}

func (in *install) function(fi template.FuncInfo) error {
	if fi.Opcode == template.FuncNop {
		return nil
	}
	a, err := in.scalar(fi.Src1)
	if err != nil {
		return err
	}
	b, err := in.scalar(fi.Src2)
	if err != nil {
		return err
	}
	var v uint64
	switch fi.Opcode {
	case template.FuncCopy:
		v = a
	case template.FuncEQ:
		v = bit(a == b)
	case template.FuncNE:
		v = bit(a != b)
	case template.FuncGT:
		v = bit(a > b)
	case template.FuncLT:
		v = bit(a < b)
	case template.FuncAnd:
		v = a & b
	case template.FuncOr:
		v = a | b
	case template.FuncAdd:
		v = a + b
	case template.FuncSub:
		v = a - b
	default:
		return ufp.Errorf(ufp.KindInternal, "func opcode %d", fi.Opcode)
	}
	r, err := in.reg(uint64(fi.Dst))
	if err != nil {
		return err
	}
	in.setReg(r, v)
	return nil
}
