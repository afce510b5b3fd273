package client

import (
	"log/slog"

	"github.com/frobware/go-ufp/config"
	"github.com/frobware/go-ufp/logging"
)

// DefaultSocketPath returns the socket a daemon with default runtime
// directories listens on.
func DefaultSocketPath() string {
	return config.DefaultRuntimeDirs().SocketPath()
}

// Option configures client behaviour.
type Option interface {
	applyDial(*dialOptions)
	applyOpen(*openOptions)
}

type dialOptions struct {
	logger *slog.Logger
}

type openOptions struct {
	logger *slog.Logger
	path   string
	config config.Config
}

type funcOption struct {
	dial func(*dialOptions)
	open func(*openOptions)
}

func (f *funcOption) applyDial(o *dialOptions) {
	if f.dial != nil {
		f.dial(o)
	}
}

func (f *funcOption) applyOpen(o *openOptions) {
	if f.open != nil {
		f.open(o)
	}
}

// WithLogger sets the logger for client operations. If not specified,
// output is discarded.
func WithLogger(l *slog.Logger) Option {
	return &funcOption{
		dial: func(o *dialOptions) { o.logger = l },
		open: func(o *openOptions) { o.logger = l },
	}
}

// WithRuntimeDir sets the base runtime directory for Open. It has no
// effect on Dial.
func WithRuntimeDir(path string) Option {
	return &funcOption{
		open: func(o *openOptions) { o.path = path },
	}
}

// WithConfig sets the configuration for Open. It has no effect on
// Dial.
func WithConfig(cfg config.Config) Option {
	return &funcOption{
		open: func(o *openOptions) { o.config = cfg },
	}
}

// Dial connects to a daemon. The address is "host:port",
// "unix:///path/to/socket" or a bare socket path.
//
//	c, err := client.Dial(client.DefaultSocketPath())
//
// The returned client must be closed when no longer needed.
func Dial(address string, opts ...Option) (Client, error) {
	o := &dialOptions{logger: logging.Discard()}
	for _, opt := range opts {
		opt.applyDial(o)
	}
	return newRemote(address, o.logger)
}

// Open opens a context in this process and serves it to the returned
// client through a private socket. The context holds the device's
// session lock until Close, so Open fails with BUSY while a daemon
// owns the device.
func Open(opts ...Option) (Client, error) {
	o := &openOptions{
		logger: logging.Discard(),
		config: config.DefaultConfig(),
	}
	for _, opt := range opts {
		opt.applyOpen(o)
	}

	dirs := config.DefaultRuntimeDirs()
	if o.path != "" {
		var err error
		if dirs, err = config.NewRuntimeDirs(o.path); err != nil {
			return nil, err
		}
	}
	return newEphemeral(dirs, o.config, o.logger)
}
