package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar names the environment variable holding a log spec.
const EnvVar = "UFP_LOG"

// Format is the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts text (the default) or json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %q", s)
}

// Options select the spec and output of a logger. The first non-empty
// of CLISpec, EnvSpec and ConfigSpec wins.
type Options struct {
	EnvSpec    string
	CLISpec    string
	ConfigSpec string
	Format     Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

func (o Options) spec() string {
	for _, s := range []string{o.CLISpec, o.EnvSpec, o.ConfigSpec} {
		if s != "" {
			return s
		}
	}
	return ""
}

// New builds a logger with component filtering.
func New(opts Options) (*slog.Logger, error) {
	spec, err := ParseSpec(opts.spec())
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	// The inner handler passes everything; filtering is ours.
	ho := &slog.HandlerOptions{Level: LevelTrace.ToSlog()}
	var inner slog.Handler
	if opts.Format == FormatJSON {
		inner = slog.NewJSONHandler(out, ho)
	} else {
		inner = slog.NewTextHandler(out, ho)
	}
	return slog.New(NewFilteringHandler(inner, &spec)), nil
}

// Default returns an info-level text logger on stderr.
func Default() *slog.Logger {
	l, _ := New(Options{})
	return l
}

// FromEnv builds a logger from UFP_LOG.
func FromEnv() (*slog.Logger, error) {
	return New(Options{EnvSpec: os.Getenv(EnvVar)})
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
