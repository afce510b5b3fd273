package ufp

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories surfaced to callers.
type Kind uint8

const (
	KindInternal Kind = iota
	KindInvalidArg
	KindUnsupportedPattern
	KindResourceExhausted
	KindConflict
	KindTimeout
	KindBusy
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArg:
		return "INVALID_ARG"
	case KindUnsupportedPattern:
		return "UNSUPPORTED_PATTERN"
	case KindResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case KindConflict:
		return "CONFLICT"
	case KindTimeout:
		return "TIMEOUT"
	case KindBusy:
		return "BUSY"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

// Sentinels for each Kind. Typed errors below unwrap to one of these
// so callers can use errors.Is regardless of wrapping.
var (
	ErrInvalidArg         = errors.New("invalid argument")
	ErrUnsupportedPattern = errors.New("unsupported pattern")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrConflict           = errors.New("conflict")
	ErrTimeout            = errors.New("timeout")
	ErrBusy               = errors.New("busy")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindInvalidArg, ErrInvalidArg},
	{KindUnsupportedPattern, ErrUnsupportedPattern},
	{KindResourceExhausted, ErrResourceExhausted},
	{KindConflict, ErrConflict},
	{KindTimeout, ErrTimeout},
	{KindBusy, ErrBusy},
	{KindNotFound, ErrNotFound},
	{KindInternal, ErrInternal},
}

// KindOf classifies err. Errors that do not wrap a kind sentinel are
// reported as KindInternal.
func KindOf(err error) Kind {
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindInternal
}

// Sentinel returns the sentinel error for k.
func (k Kind) Sentinel() error {
	for _, ks := range kindSentinels {
		if ks.kind == k {
			return ks.err
		}
	}
	return ErrInternal
}

// Errorf returns an error of kind k with a formatted message.
func Errorf(k Kind, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), k.Sentinel())
}

// ErrFlowNotFound is returned for an unknown or freed flow id.
type ErrFlowNotFound struct {
	FlowID FlowID
}

func (e ErrFlowNotFound) Error() string {
	return fmt.Sprintf("flow %d does not exist", e.FlowID)
}

func (e ErrFlowNotFound) Unwrap() error { return ErrNotFound }

// ErrUnknownPort is returned when a logical port or function has not
// been populated in the port database.
type ErrUnknownPort struct {
	Port uint16
}

func (e ErrUnknownPort) Error() string {
	return fmt.Sprintf("unknown port %d", e.Port)
}

func (e ErrUnknownPort) Unwrap() error { return ErrNotFound }

// ErrMarkNotFound is returned when a mark slot is not valid.
type ErrMarkNotFound struct {
	FID    uint32
	Global bool
}

func (e ErrMarkNotFound) Error() string {
	kind := "lfid"
	if e.Global {
		kind = "gfid"
	}
	return fmt.Sprintf("no mark for %s 0x%x", kind, e.FID)
}

func (e ErrMarkNotFound) Unwrap() error { return ErrNotFound }

// ErrNoSpace is returned when a table has no free entry or a hash
// chain is full.
type ErrNoSpace struct {
	Table string
}

func (e ErrNoSpace) Error() string {
	return fmt.Sprintf("table %s: no space", e.Table)
}

func (e ErrNoSpace) Unwrap() error { return ErrResourceExhausted }

// ErrInvalidKey is returned for zero-length or oversized generic-table
// keys.
type ErrInvalidKey struct {
	Table  string
	Reason string
}

func (e ErrInvalidKey) Error() string {
	return fmt.Sprintf("table %s: invalid key: %s", e.Table, e.Reason)
}

func (e ErrInvalidKey) Unwrap() error { return ErrInvalidArg }

// ErrFlowBusy is returned when deleting a parent flow that still has
// children.
type ErrFlowBusy struct {
	FlowID   FlowID
	Children int
}

func (e ErrFlowBusy) Error() string {
	return fmt.Sprintf("flow %d has %d live children", e.FlowID, e.Children)
}

func (e ErrFlowBusy) Unwrap() error { return ErrBusy }

// ErrSessionBusy is returned when a device session is already
// initialised.
type ErrSessionBusy struct {
	Device string
}

func (e ErrSessionBusy) Error() string {
	return fmt.Sprintf("device %s: session already initialised", e.Device)
}

func (e ErrSessionBusy) Unwrap() error { return ErrBusy }

// ErrTemplateReject is returned when a template's reject condition, or
// a goto to the reject sentinel, aborts an install.
type ErrTemplateReject struct {
	TID   uint32
	Table int
}

func (e ErrTemplateReject) Error() string {
	if e.Table < 0 {
		return fmt.Sprintf("template %d rejected the rule", e.TID)
	}
	return fmt.Sprintf("template %d rejected the rule at table %d", e.TID, e.Table)
}

func (e ErrTemplateReject) Unwrap() error { return ErrUnsupportedPattern }

// ErrCacheConflict is returned when a cache entry exists for the same
// key with a different flow signature.
type ErrCacheConflict struct {
	TID   uint32
	Table int
}

func (e ErrCacheConflict) Error() string {
	return fmt.Sprintf("template %d table %d: cache entry owned by a different flow signature", e.TID, e.Table)
}

func (e ErrCacheConflict) Unwrap() error { return ErrConflict }

// ErrNoTemplate is returned when the matcher finds no template for a
// rule.
type ErrNoTemplate struct {
	HdrBitmap uint64
	ActBitmap uint64
}

func (e ErrNoTemplate) Error() string {
	return fmt.Sprintf("no template for headers 0x%x actions 0x%x", e.HdrBitmap, e.ActBitmap)
}

func (e ErrNoTemplate) Unwrap() error { return ErrUnsupportedPattern }

// ErrRequestTimeout is returned when a firmware request exceeds its
// deadline.
type ErrRequestTimeout struct {
	Request string
}

func (e ErrRequestTimeout) Error() string {
	return fmt.Sprintf("firmware request %s timed out", e.Request)
}

func (e ErrRequestTimeout) Unwrap() error { return ErrTimeout }
