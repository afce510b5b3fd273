package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp/logging"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "info"},
		{in: "debug", want: "debug"},
		{in: "warn,mapper=trace", want: "warn,mapper=trace"},
		{in: "info, flowdb=debug ,mapper=trace", want: "info,flowdb=debug,mapper=trace"},
		{in: "mapper=debug", want: "info,mapper=debug"},
		{in: "mapper=debug,warn", wantErr: true},
		{in: "=debug", wantErr: true},
		{in: "loud", wantErr: true},
		{in: "info,mapper=loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			spec, err := logging.ParseSpec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.String())
		})
	}
}

func TestComponentFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		ConfigSpec: "warn,mapper=trace",
		Output:     &buf,
	})
	require.NoError(t, err)
	ctx := context.Background()

	logger.Info("dropped at base level")
	mapper := logger.With(logging.ComponentKey, "mapper")
	logging.Trace(ctx, mapper, "walk", "tbl", 3)
	logger.With(logging.ComponentKey, "flowdb").Debug("also dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "msg=walk")
	assert.Contains(t, out, "tbl=3")
	assert.Contains(t, out, "msg=kept")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestSpecPrecedence(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec:    "error",
		EnvSpec:    "trace",
		ConfigSpec: "debug",
		Format:     logging.FormatJSON,
		Output:     &buf,
	})
	require.NoError(t, err)
	logger.Warn("below cli level")
	logger.Error("at cli level")
	assert.NotContains(t, buf.String(), "below")
	assert.Contains(t, buf.String(), `"msg":"at cli level"`)
}

func TestLevelText(t *testing.T) {
	var l logging.Level
	require.NoError(t, l.UnmarshalText([]byte("TRACE")))
	assert.Equal(t, logging.LevelTrace, l)
	assert.Equal(t, slog.Level(-8), l.ToSlog())
	assert.Error(t, l.UnmarshalText([]byte("verbose")))

	f, err := logging.ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatJSON, f)
	_, err = logging.ParseFormat("xml")
	assert.Error(t, err)
}
