package manager

import (
	"context"
	"errors"
	"log/slog"
)

// undoStep reverses one completed step of a multi-step operation.
type undoStep struct {
	name string
	fn   func(context.Context) error
}

// undoStack accumulates undo steps that run in reverse order when an
// operation fails partway through, or when the session it built is
// torn down.
type undoStack []undoStep

// push appends an undo step to the stack.
func (u *undoStack) push(name string, fn func(context.Context) error) {
	*u = append(*u, undoStep{name: name, fn: fn})
}

// rollback runs every step in reverse order and empties the stack. A
// failing step is logged and does not stop the ones below it.
func (u *undoStack) rollback(ctx context.Context, logger *slog.Logger) error {
	var errs []error
	s := *u
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i].fn(ctx); err != nil {
			logger.ErrorContext(ctx, "undo step failed", "step", s[i].name, "error", err)
			errs = append(errs, err)
		}
	}
	*u = nil
	return errors.Join(errs...)
}
