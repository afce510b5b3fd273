// Package matcher selects the class and action templates for a rule.
//
// Candidates are bucketed by a signature of the fields that must match
// exactly: direction, application id and header bitmap for classes,
// direction and application id for actions. A bucket is then searched
// in declaration order for the first candidate whose mandatory,
// optional and excluded bitmaps accept the rule.
package matcher

import (
	"encoding/binary"
	"hash/fnv"
	"slices"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/template"
)

// Params are the parsed properties of a rule the matcher looks at.
type Params struct {
	Direction   ufp.Direction
	AppID       uint8
	HdrBitmap   uint64
	FieldBitmap uint64
	ActBitmap   uint64
}

// ParamsOf returns the match parameters of a normalized rule.
func ParamsOf(r *ufp.Rule) Params {
	return Params{
		Direction:   r.Direction,
		AppID:       r.AppID,
		HdrBitmap:   r.HdrBitmap,
		FieldBitmap: r.FieldBitmap,
		ActBitmap:   r.ActBitmap,
	}
}

// Result is a template pair and the wildcard priority of the class.
type Result struct {
	ClassTID   uint32
	ActTID     uint32
	WCPriority uint16
}

// Matcher is immutable once built and safe for concurrent use.
type Matcher struct {
	classes map[uint64][]template.ClassMatch
	acts    map[uint64][]template.ActMatch
}

func signature(dir ufp.Direction, appID uint8, hdr uint64) uint64 {
	h := fnv.New64a()
	var b [10]byte
	b[0], b[1] = byte(dir), appID
	binary.BigEndian.PutUint64(b[2:], hdr)
	h.Write(b[:])
	return h.Sum64()
}

// New indexes the match lists of s.
func New(s *template.Set) *Matcher {
	m := &Matcher{
		classes: make(map[uint64][]template.ClassMatch),
		acts:    make(map[uint64][]template.ActMatch),
	}
	for _, c := range s.ClassMatches {
		sig := signature(c.Direction, c.AppID, c.HdrBitmap)
		m.classes[sig] = append(m.classes[sig], c)
	}
	for _, a := range s.ActMatches {
		sig := signature(a.Direction, a.AppID, 0)
		m.acts[sig] = append(m.acts[sig], a)
	}
	return m
}

// accepts reports whether have carries every mandatory bit, no excluded
// bit and nothing outside mandatory|optional.
func accepts(have, mandatory, optional, excluded uint64) bool {
	return have&mandatory == mandatory &&
		have&excluded == 0 &&
		have&^(mandatory|optional) == 0
}

// Match returns the templates for p, or ufp.ErrNoTemplate.
func (m *Matcher) Match(p Params) (Result, error) {
	for _, c := range m.classes[signature(p.Direction, p.AppID, p.HdrBitmap)] {
		if !accepts(p.FieldBitmap, c.Mandatory, c.Optional, c.Excluded) {
			continue
		}
		if act, ok := m.action(p, c.TID); ok {
			return Result{ClassTID: c.TID, ActTID: act, WCPriority: c.WCPriority}, nil
		}
	}
	return Result{}, ufp.ErrNoTemplate{HdrBitmap: p.HdrBitmap, ActBitmap: p.ActBitmap}
}

func (m *Matcher) action(p Params, class uint32) (uint32, bool) {
	for _, a := range m.acts[signature(p.Direction, p.AppID, 0)] {
		if len(a.Classes) > 0 && !slices.Contains(a.Classes, class) {
			continue
		}
		if accepts(p.ActBitmap, a.Mandatory, a.Optional, 0) {
			return a.TID, true
		}
	}
	return 0, false
}
