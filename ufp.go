// Package ufp defines the vocabulary shared by the flow-offload
// classification and mapping core: directions, flow identifiers,
// parsed rules, resource records and error kinds.
//
// The core turns a parsed match/action rule into an ordered,
// reference-counted set of table-facility writes and records every
// acquired resource against the owning flow so the same walk, reversed,
// releases it again.
package ufp

import (
	"fmt"
	"strings"
)

// Direction is the traffic direction a rule or resource applies to.
type Direction uint8

const (
	// DirRX is ingress.
	DirRX Direction = 0
	// DirTX is egress.
	DirTX Direction = 1
)

// NumDirections is the number of directions tables are split by.
const NumDirections = 2

func (d Direction) String() string {
	switch d {
	case DirRX:
		return "rx"
	case DirTX:
		return "tx"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDirection parses "rx"/"ingress" or "tx"/"egress".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rx", "ingress":
		return DirRX, nil
	case "tx", "egress":
		return DirTX, nil
	default:
		return DirRX, fmt.Errorf("unknown direction %q: %w", s, ErrInvalidArg)
	}
}

// Valid reports whether d is one of the defined directions.
func (d Direction) Valid() bool {
	return d == DirRX || d == DirTX
}

// FlowID is the caller-visible handle of an installed flow. Zero is
// never allocated.
type FlowID uint32

// FlowType classifies entries in the flow database.
type FlowType uint8

const (
	FlowTypeRegular FlowType = iota
	FlowTypeDefault
	FlowTypeParent
	FlowTypeChild
	// FlowTypeRID is a transient resource-owner id used for cached
	// resource bundles.
	FlowTypeRID
)

func (t FlowType) String() string {
	switch t {
	case FlowTypeRegular:
		return "regular"
	case FlowTypeDefault:
		return "default"
	case FlowTypeParent:
		return "parent"
	case FlowTypeChild:
		return "child"
	case FlowTypeRID:
		return "rid"
	default:
		return fmt.Sprintf("FlowType(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t FlowType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FlowType) UnmarshalText(b []byte) error {
	for v := FlowTypeRegular; v <= FlowTypeRID; v++ {
		if v.String() == string(b) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("unknown flow type %q: %w", b, ErrInvalidArg)
}
