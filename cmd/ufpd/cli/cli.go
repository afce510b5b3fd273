package cli

import (
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/client"
	"github.com/frobware/go-ufp/config"
	"github.com/frobware/go-ufp/logging"
)

// CLI is the root command structure for ufpd.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,mapper=trace')." env:"UFP_LOG"`
	RuntimeDir string `name:"runtime-dir" help:"Runtime directory; overrides [device] runtime_dir."`
	Remote     string `name:"remote" short:"r" help:"Daemon endpoint (unix:///path or host:port). Defaults to the runtime socket."`
	Local      bool   `name:"local" help:"Open the device in this process instead of talking to a daemon."`

	Serve         ServeCmd         `cmd:"" help:"Open the device and serve it over gRPC."`
	Install       InstallCmd       `cmd:"" help:"Install a flow."`
	Uninstall     UninstallCmd     `cmd:"" help:"Uninstall a flow."`
	Count         CountCmd         `cmd:"" help:"Show the packet and byte counts of a flow."`
	FlushFunction FlushFunctionCmd `cmd:"" name:"flush-function" help:"Uninstall every flow of a function."`
	Usage         UsageCmd         `cmd:"" help:"Show flow and table occupancy."`
	Dump          DumpCmd          `cmd:"" help:"Dump flows, tables and marks."`
	Snapshots     SnapshotsCmd     `cmd:"" help:"Manage saved snapshots."`
	Templates     TemplatesCmd     `cmd:"" help:"Inspect and validate template sets."`
	Pins          PinsCmd          `cmd:"" help:"Inspect or clean table maps pinned by the ebpf backend."`

	out io.Writer
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("ufpd"),
		kong.Description("Unified flow processor offload daemon."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(ufp.Direction(0)), directionMapper()),
		kong.TypeMapper(reflect.TypeOf(ufp.FlowID(0)), flowIDMapper()),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
		},
	}
}

// SetOutput redirects command output, which defaults to stdout.
func (c *CLI) SetOutput(w io.Writer) { c.out = w }

func (c *CLI) stdout() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if c.RuntimeDir != "" {
		cfg.Device.RuntimeDir = c.RuntimeDir
	}
	return cfg, nil
}

// RuntimeDirs returns the runtime paths of the loaded configuration.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return config.RuntimeDirs{}, err
	}
	return cfg.RuntimeDirs()
}

// Logger creates a logger for CLI commands. Commands default to warn;
// serve uses LoggerFromConfig.
func (c *CLI) Logger() (*slog.Logger, error) {
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return c.logger(spec, os.Stderr)
}

// LoggerFromConfig creates a logger using config file settings, writing
// to stdout for daemon log collection.
func (c *CLI) LoggerFromConfig() (*slog.Logger, error) {
	return c.logger(c.Log, os.Stdout)
}

func (c *CLI) logger(cliSpec string, w io.Writer) (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    cliSpec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     w,
	})
}

// Client returns a client for the selected transport: an in-process
// context with --local, otherwise the daemon at --remote or the
// configured socket. The returned client must be closed.
func (c *CLI) Client() (client.Client, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	if c.Local {
		return client.Open(
			client.WithRuntimeDir(cfg.Device.RuntimeDir),
			client.WithConfig(cfg),
			client.WithLogger(logger),
		)
	}

	addr := c.Remote
	if addr == "" {
		addr = cfg.Server.Socket
	}
	if addr == "" {
		dirs, err := cfg.RuntimeDirs()
		if err != nil {
			return nil, err
		}
		addr = dirs.SocketPath()
	}
	return client.Dial(addr, client.WithLogger(logger))
}
