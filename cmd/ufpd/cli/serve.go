package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/frobware/go-ufp/config"
	"github.com/frobware/go-ufp/server"
)

// ServeCmd opens the device and serves it until SIGINT or SIGTERM.
type ServeCmd struct {
	Socket         string `name:"socket" help:"Unix socket path; overrides [server] socket."`
	TCPAddress     string `name:"tcp-address" help:"TCP address for the gRPC server; overrides [server] tcp_address."`
	MetricsAddress string `name:"metrics-address" help:"Address of the Prometheus /metrics endpoint; overrides [server] metrics_address."`
	Backend        string `name:"backend" help:"Table backend (memory, ebpf or firmware); overrides [device] backend."`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	logger, err := cli.LoggerFromConfig()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	appConfig, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Socket != "" {
		appConfig.Server.Socket = c.Socket
	}
	if c.TCPAddress != "" {
		appConfig.Server.TCPAddress = c.TCPAddress
	}
	if c.MetricsAddress != "" {
		appConfig.Server.MetricsAddress = c.MetricsAddress
	}
	if c.Backend != "" {
		appConfig.Device.Backend = config.Backend(c.Backend)
	}
	dirs, err := appConfig.RuntimeDirs()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.Run(ctx, server.RunConfig{
		Dirs:   dirs,
		Config: appConfig,
		Logger: logger,
	})
}
