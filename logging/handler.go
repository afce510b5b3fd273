package logging

import (
	"context"
	"log/slog"
)

// ComponentKey is the attribute naming the subsystem a logger belongs
// to. Loggers are scoped with logger.With(ComponentKey, "mapper").
const ComponentKey = "component"

type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps inner so records are dropped below the
// level spec assigns to the logger's component.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{inner: inner, spec: spec}
}

func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &filteringHandler{inner: h.inner.WithAttrs(attrs), spec: h.spec, component: h.component}
	for _, a := range attrs {
		if a.Key == ComponentKey {
			nh.component = a.Value.String()
		}
	}
	return nh
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{inner: h.inner.WithGroup(name), spec: h.spec, component: h.component}
}

// Trace logs at LevelTrace.
func Trace(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelTrace.ToSlog(), msg, args...)
}
