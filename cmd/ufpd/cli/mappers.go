package cli

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-ufp"
)

// directionMapper parses rx/tx (or ingress/egress).
func directionMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("direction", &s); err != nil {
			return err
		}
		d, err := ufp.ParseDirection(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(d))
		return nil
	}
}

// flowIDMapper parses a non-zero flow id.
func flowIDMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("flow-id", &s); err != nil {
			return err
		}
		id, err := ParseFlowID(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(id))
		return nil
	}
}

// ParseFlowID parses a decimal or 0x-prefixed flow id. Zero is never
// a valid flow.
func ParseFlowID(s string) (ufp.FlowID, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid flow id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid flow id %q: flow ids start at 1", s)
	}
	return ufp.FlowID(v), nil
}
