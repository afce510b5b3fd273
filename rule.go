package ufp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"strings"
)

// HeaderType identifies a protocol header in a parsed rule. The header
// bitmap has bit (1 << HeaderType) set for every header present.
type HeaderType uint8

const (
	HeaderEth HeaderType = iota
	HeaderOVLAN
	HeaderIVLAN
	HeaderIPv4
	HeaderIPv6
	HeaderUDP
	HeaderTCP
	numHeaderTypes
)

var headerNames = [...]string{
	HeaderEth:   "eth",
	HeaderOVLAN: "ovlan",
	HeaderIVLAN: "ivlan",
	HeaderIPv4:  "ipv4",
	HeaderIPv6:  "ipv6",
	HeaderUDP:   "udp",
	HeaderTCP:   "tcp",
}

func (h HeaderType) String() string {
	if h < numHeaderTypes {
		return headerNames[h]
	}
	return fmt.Sprintf("HeaderType(%d)", uint8(h))
}

// Bit returns the header-bitmap bit for h.
func (h HeaderType) Bit() uint64 { return 1 << uint(h) }

// MarshalText implements encoding.TextMarshaler.
func (h HeaderType) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HeaderType) UnmarshalText(b []byte) error {
	for i, n := range headerNames {
		if n == strings.ToLower(string(b)) {
			*h = HeaderType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown header %q: %w", b, ErrInvalidArg)
}

// Header bitmap bits.
const (
	HdrBitEth   = uint64(1) << HeaderEth
	HdrBitOVLAN = uint64(1) << HeaderOVLAN
	HdrBitIVLAN = uint64(1) << HeaderIVLAN
	HdrBitIPv4  = uint64(1) << HeaderIPv4
	HdrBitIPv6  = uint64(1) << HeaderIPv6
	HdrBitUDP   = uint64(1) << HeaderUDP
	HdrBitTCP   = uint64(1) << HeaderTCP
)

// FieldID indexes the flat header-field array. The field bitmap has bit
// (1 << FieldID) set for every field the rule specifies.
type FieldID uint8

const (
	FieldInvalid FieldID = iota
	FieldEthDMAC
	FieldEthSMAC
	FieldEthType
	FieldOVLANTCI
	FieldOVLANType
	FieldIVLANTCI
	FieldIVLANType
	FieldIPv4Src
	FieldIPv4Dst
	FieldIPv4Proto
	FieldIPv4TOS
	FieldIPv6Src
	FieldIPv6Dst
	FieldIPv6Proto
	FieldL4SrcPort
	FieldL4DstPort
	FieldTCPFlags
	NumFields
)

type fieldDesc struct {
	name    string
	headers uint64
	bytes   int
}

var fieldDescs = [NumFields]fieldDesc{
	FieldInvalid:   {"invalid", 0, 0},
	FieldEthDMAC:   {"eth.dmac", HdrBitEth, 6},
	FieldEthSMAC:   {"eth.smac", HdrBitEth, 6},
	FieldEthType:   {"eth.type", HdrBitEth, 2},
	FieldOVLANTCI:  {"ovlan.tci", HdrBitOVLAN, 2},
	FieldOVLANType: {"ovlan.type", HdrBitOVLAN, 2},
	FieldIVLANTCI:  {"ivlan.tci", HdrBitIVLAN, 2},
	FieldIVLANType: {"ivlan.type", HdrBitIVLAN, 2},
	FieldIPv4Src:   {"ipv4.src", HdrBitIPv4, 4},
	FieldIPv4Dst:   {"ipv4.dst", HdrBitIPv4, 4},
	FieldIPv4Proto: {"ipv4.proto", HdrBitIPv4, 1},
	FieldIPv4TOS:   {"ipv4.tos", HdrBitIPv4, 1},
	FieldIPv6Src:   {"ipv6.src", HdrBitIPv6, 16},
	FieldIPv6Dst:   {"ipv6.dst", HdrBitIPv6, 16},
	FieldIPv6Proto: {"ipv6.proto", HdrBitIPv6, 1},
	FieldL4SrcPort: {"l4.src", HdrBitUDP | HdrBitTCP, 2},
	FieldL4DstPort: {"l4.dst", HdrBitUDP | HdrBitTCP, 2},
	FieldTCPFlags:  {"tcp.flags", HdrBitTCP, 1},
}

func (f FieldID) String() string {
	if f < NumFields {
		return fieldDescs[f].name
	}
	return fmt.Sprintf("FieldID(%d)", uint8(f))
}

// Bit returns the field-bitmap bit for f.
func (f FieldID) Bit() uint64 { return 1 << uint(f) }

// Size returns the width of the field in bytes.
func (f FieldID) Size() int {
	if f < NumFields {
		return fieldDescs[f].bytes
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (f FieldID) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FieldID) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i := FieldEthDMAC; i < NumFields; i++ {
		if fieldDescs[i].name == s {
			*f = i
			return nil
		}
	}
	return fmt.Errorf("unknown field %q: %w", b, ErrInvalidArg)
}

// ActionType identifies an action in a parsed rule. The action bitmap
// has bit (1 << ActionType) set for every action present.
type ActionType uint8

const (
	ActionDrop ActionType = iota
	ActionCount
	ActionMark
	ActionVNIC
	ActionVPort
	ActionPopVLAN
	ActionPushVLAN
	ActionDecTTL
	numActionTypes
)

var actionNames = [...]string{
	ActionDrop:     "drop",
	ActionCount:    "count",
	ActionMark:     "mark",
	ActionVNIC:     "vnic",
	ActionVPort:    "vport",
	ActionPopVLAN:  "pop_vlan",
	ActionPushVLAN: "push_vlan",
	ActionDecTTL:   "dec_ttl",
}

func (a ActionType) String() string {
	if a < numActionTypes {
		return actionNames[a]
	}
	return fmt.Sprintf("ActionType(%d)", uint8(a))
}

// Bit returns the action-bitmap bit for a.
func (a ActionType) Bit() uint64 { return 1 << uint(a) }

// MarshalText implements encoding.TextMarshaler.
func (a ActionType) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ActionType) UnmarshalText(b []byte) error {
	for i, n := range actionNames {
		if n == strings.ToLower(string(b)) {
			*a = ActionType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown action %q: %w", b, ErrInvalidArg)
}

// Action bitmap bits.
const (
	ActBitDrop     = uint64(1) << ActionDrop
	ActBitCount    = uint64(1) << ActionCount
	ActBitMark     = uint64(1) << ActionMark
	ActBitVNIC     = uint64(1) << ActionVNIC
	ActBitVPort    = uint64(1) << ActionVPort
	ActBitPopVLAN  = uint64(1) << ActionPopVLAN
	ActBitPushVLAN = uint64(1) << ActionPushVLAN
	ActBitDecTTL   = uint64(1) << ActionDecTTL
)

// PropID identifies an action property.
type PropID uint8

const (
	PropMark PropID = iota
	PropVNIC
	PropVPort
	PropPushVLANVID
	NumProps
)

var propDescs = [NumProps]struct {
	name   string
	action ActionType
	bytes  int
}{
	PropMark:        {"mark", ActionMark, 4},
	PropVNIC:        {"vnic", ActionVNIC, 2},
	PropVPort:       {"vport", ActionVPort, 2},
	PropPushVLANVID: {"vid", ActionPushVLAN, 2},
}

func (p PropID) String() string {
	if p < NumProps {
		return propDescs[p].name
	}
	return fmt.Sprintf("PropID(%d)", uint8(p))
}

// Size returns the width of the property in bytes.
func (p PropID) Size() int {
	if p < NumProps {
		return propDescs[p].bytes
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (p PropID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PropID) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i := PropID(0); i < NumProps; i++ {
		if propDescs[i].name == s {
			*p = i
			return nil
		}
	}
	return fmt.Errorf("unknown action property %q: %w", b, ErrInvalidArg)
}

// Bytes is a byte string that marshals as hex. Colons, dots and dashes
// are ignored when parsing so MAC-style notation is accepted.
type Bytes []byte

// MarshalText implements encoding.TextMarshaler.
func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bytes) UnmarshalText(text []byte) error {
	s := strings.NewReplacer(":", "", ".", "", "-", "").Replace(string(text))
	s = strings.TrimPrefix(s, "0x")
	v, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode %q: %v: %w", text, err, ErrInvalidArg)
	}
	*b = v
	return nil
}

// FieldSpec is one matched header field. A nil mask means exact match.
type FieldSpec struct {
	Value Bytes `json:"value"`
	Mask  Bytes `json:"mask,omitempty"`
}

// Header is one entry of a rule's ordered header set.
type Header struct {
	Type   HeaderType            `json:"type"`
	Fields map[FieldID]FieldSpec `json:"fields,omitempty"`
}

// Action is one entry of a rule's ordered action set.
type Action struct {
	Type  ActionType       `json:"type"`
	Props map[PropID]Bytes `json:"props,omitempty"`
}

// Rule is a parsed flow rule as consumed by the matcher and mapper.
// Bitmaps left at zero are derived from Headers and Actions by
// Normalize; non-zero bitmaps must agree with them.
type Rule struct {
	Direction    Direction `json:"direction"`
	Priority     uint16    `json:"priority,omitempty"`
	AppID        uint8     `json:"app_id,omitempty"`
	FunctionID   uint16    `json:"function_id"`
	PortID       uint16    `json:"port_id"`
	ParentFlowID FlowID    `json:"parent_flow_id,omitempty"`
	Headers      []Header  `json:"headers,omitempty"`
	HdrBitmap    uint64    `json:"hdr_bitmap,omitempty"`
	FieldBitmap  uint64    `json:"field_bitmap,omitempty"`
	Actions      []Action  `json:"actions,omitempty"`
	ActBitmap    uint64    `json:"act_bitmap,omitempty"`
	FlowSigID    uint64    `json:"flow_sig_id,omitempty"`
}

// Normalize validates the rule, derives bitmaps that were left zero and
// pads every field and property to its declared width. Headers and
// actions are copied first, so copies of the rule taken before the call
// are left untouched.
func (r *Rule) Normalize() error {
	if !r.Direction.Valid() {
		return Errorf(KindInvalidArg, "direction %d", r.Direction)
	}
	r.Headers = slices.Clone(r.Headers)
	for i := range r.Headers {
		r.Headers[i].Fields = maps.Clone(r.Headers[i].Fields)
	}
	r.Actions = slices.Clone(r.Actions)
	for i := range r.Actions {
		r.Actions[i].Props = maps.Clone(r.Actions[i].Props)
	}
	var hdr, fld, act uint64
	for i := range r.Headers {
		h := &r.Headers[i]
		if h.Type >= numHeaderTypes {
			return Errorf(KindInvalidArg, "header %d: unknown type %d", i, h.Type)
		}
		if hdr&h.Type.Bit() != 0 {
			return Errorf(KindInvalidArg, "header %s repeated", h.Type)
		}
		hdr |= h.Type.Bit()
		for id, fs := range h.Fields {
			if id == FieldInvalid || id >= NumFields {
				return Errorf(KindInvalidArg, "header %s: unknown field %d", h.Type, id)
			}
			if fieldDescs[id].headers&h.Type.Bit() == 0 {
				return Errorf(KindInvalidArg, "field %s does not belong to header %s", id, h.Type)
			}
			if fld&id.Bit() != 0 {
				return Errorf(KindInvalidArg, "field %s repeated", id)
			}
			n := id.Size()
			if len(fs.Value) > n || len(fs.Mask) > n {
				return Errorf(KindInvalidArg, "field %s wider than %d bytes", id, n)
			}
			fs.Value = padLeft(fs.Value, n)
			if fs.Mask == nil {
				fs.Mask = ones(n)
			} else {
				fs.Mask = padLeft(fs.Mask, n)
			}
			h.Fields[id] = fs
			fld |= id.Bit()
		}
	}
	for i := range r.Actions {
		a := &r.Actions[i]
		if a.Type >= numActionTypes {
			return Errorf(KindInvalidArg, "action %d: unknown type %d", i, a.Type)
		}
		act |= a.Type.Bit()
		for p, v := range a.Props {
			if p >= NumProps || propDescs[p].action != a.Type {
				return Errorf(KindInvalidArg, "action %s: property %s not allowed", a.Type, p)
			}
			if len(v) > p.Size() {
				return Errorf(KindInvalidArg, "property %s wider than %d bytes", p, p.Size())
			}
			a.Props[p] = padLeft(v, p.Size())
		}
	}
	if act&ActBitDrop != 0 && act&(ActBitVNIC|ActBitVPort) != 0 {
		return Errorf(KindInvalidArg, "drop combined with a forwarding action")
	}
	if err := reconcile("header", &r.HdrBitmap, hdr); err != nil {
		return err
	}
	if err := reconcile("field", &r.FieldBitmap, fld); err != nil {
		return err
	}
	return reconcile("action", &r.ActBitmap, act)
}

func reconcile(what string, have *uint64, derived uint64) error {
	if *have == 0 {
		*have = derived
		return nil
	}
	if *have != derived {
		return Errorf(KindInvalidArg, "%s bitmap 0x%x does not match rule contents 0x%x", what, *have, derived)
	}
	return nil
}

// Field returns the spec of field id, if the rule specifies it.
func (r *Rule) Field(id FieldID) (FieldSpec, bool) {
	for _, h := range r.Headers {
		if fs, ok := h.Fields[id]; ok {
			return fs, true
		}
	}
	return FieldSpec{}, false
}

// Prop returns action property p, if present.
func (r *Rule) Prop(p PropID) (Bytes, bool) {
	for _, a := range r.Actions {
		if v, ok := a.Props[p]; ok {
			return v, true
		}
	}
	return nil, false
}

// VLANTags returns the number of VLAN headers the rule matches.
func (r *Rule) VLANTags() int {
	n := 0
	if r.HdrBitmap&HdrBitOVLAN != 0 {
		n++
	}
	if r.HdrBitmap&HdrBitIVLAN != 0 {
		n++
	}
	return n
}

// Signature returns the caller-provided flow signature, or the FNV-1a
// digest of the header and field bitmaps and every specified field's
// masked value in field-id order.
func (r *Rule) Signature() uint64 {
	if r.FlowSigID != 0 {
		return r.FlowSigID
	}
	h := fnv.New64a()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], r.HdrBitmap)
	h.Write(b[:])
	binary.BigEndian.PutUint64(b[:], r.FieldBitmap)
	h.Write(b[:])
	ids := make([]int, 0, NumFields)
	for _, hd := range r.Headers {
		for id := range hd.Fields {
			ids = append(ids, int(id))
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		fs, _ := r.Field(FieldID(id))
		h.Write([]byte{byte(id)})
		for i := range fs.Value {
			m := byte(0xff)
			if i < len(fs.Mask) {
				m = fs.Mask[i]
			}
			h.Write([]byte{fs.Value[i] & m})
		}
	}
	return h.Sum64()
}

func padLeft(b []byte, n int) []byte {
	if len(b) == n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func ones(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}
