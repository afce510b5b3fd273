package manager

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpIDHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(opIDHandler{slog.NewTextHandler(&buf, nil)})

	logger.InfoContext(context.Background(), "test message")
	assert.NotContains(t, buf.String(), "op_id", "no op id without context")

	buf.Reset()
	logger.InfoContext(ContextWithOpID(context.Background(), 42), "test message")
	assert.Contains(t, buf.String(), "op_id=42")
}

func TestOpIDHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := WithOpIDHandler(slog.New(slog.NewTextHandler(&buf, nil)))
	logger = logger.With("component", "mapper")

	logger.InfoContext(ContextWithOpID(context.Background(), 456), "with attrs test")
	assert.Contains(t, buf.String(), "op_id=456")
	assert.Contains(t, buf.String(), "component=mapper")
}

func TestWithOpIDHandlerIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithOpIDHandler(WithOpIDHandler(slog.New(slog.NewTextHandler(&buf, nil))))
	logger.InfoContext(ContextWithOpID(context.Background(), 7), "once")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("op_id=")))
}

func TestWithOpKeepsCallerID(t *testing.T) {
	ctx := ContextWithOpID(context.Background(), 99)
	assert.Equal(t, uint64(99), OpIDFromContext(withOp(ctx)))

	a := OpIDFromContext(withOp(context.Background()))
	b := OpIDFromContext(withOp(context.Background()))
	assert.NotZero(t, a)
	assert.Greater(t, b, a)
}
