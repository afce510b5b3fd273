package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/bpffs"
	"github.com/frobware/go-ufp/config"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/fw/host"
	"github.com/frobware/go-ufp/fw/sim"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/metrics"
	"github.com/frobware/go-ufp/snapshot"
	"github.com/frobware/go-ufp/tf"
	tfebpf "github.com/frobware/go-ufp/tf/ebpf"
	"github.com/frobware/go-ufp/tf/fwtf"
)

// RunConfig configures the daemon.
type RunConfig struct {
	Dirs   config.RuntimeDirs
	Config config.Config
	Logger *slog.Logger
}

// Run opens a context on the configured device and serves it until ctx
// is cancelled. A final snapshot is saved on the way out.
func Run(ctx context.Context, cfg RunConfig) error {
	dirs := cfg.Dirs
	c := cfg.Config

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	logger = manager.WithOpIDHandler(logger)

	if err := c.Validate(); err != nil {
		return err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	mgr, be, err := OpenContext(ctx, c, dirs, logger)
	if err != nil {
		return err
	}
	defer be.Close()
	defer func() {
		if err := mgr.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("close context", "device", c.Device.Name, "error", err)
		}
	}()

	dbPath := dirs.SnapshotPath(c.Device.Name)
	store, err := snapshot.Open(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store at %s: %w", dbPath, err)
	}
	defer store.Close()

	ops := metrics.NewOps()
	if c.Server.MetricsAddress != "" {
		if err := serveMetrics(ctx, c.Server.MetricsAddress, mgr, ops, logger); err != nil {
			return err
		}
	} else {
		logger.Info("metrics HTTP server disabled")
	}

	socket := c.Server.Socket
	if socket == "" {
		socket = dirs.SocketPath()
	}
	srv := New(mgr, WithLogger(logger), WithSnapshots(store), WithMetrics(ops))
	serveErr := srv.Serve(ctx, socket, c.Server.TCPAddress)

	final := context.WithoutCancel(ctx)
	if st, err := mgr.Snapshot(final); err != nil {
		logger.Error("final snapshot", "error", err)
	} else if id, err := store.Save(final, st); err != nil {
		logger.Error("final snapshot", "error", err)
	} else {
		logger.Info("final snapshot saved", "id", id, "path", dbPath)
	}
	return serveErr
}

// OpenContext builds the backend c names and opens a context on it.
// The caller closes the manager before the backend.
func OpenContext(ctx context.Context, c config.Config, dirs config.RuntimeDirs, logger *slog.Logger) (*manager.Manager, *Backend, error) {
	be, err := OpenBackend(c, dirs, logger)
	if err != nil {
		return nil, nil, err
	}
	descs, err := c.Tables.Descriptors()
	if err != nil {
		be.Close()
		return nil, nil, err
	}
	mgr, err := manager.Open(ctx, manager.Options{
		Device:   c.Device.Name,
		LockDir:  dirs.Lock(),
		NumPorts: c.Device.NumPorts,
		MaxFlows: c.Flows.MaxFlows,
		Marks:    c.MarkDB(),
		Tables:   descs,
		Counters: counter.Config{
			Interval:   c.Counters.Interval.Duration,
			PacketMask: c.Counters.PacketCountMask,
			ByteMask:   c.Counters.ByteCountMask,
		},
		Facility: be.Facility,
		Firmware: be.Firmware,
		Logger:   logger,
	})
	if err != nil {
		be.Close()
		return nil, nil, fmt.Errorf("open %s: %w", c.Device.Name, err)
	}
	return mgr, be, nil
}

func serveMetrics(ctx context.Context, addr string, src metrics.UsageSource, ops *metrics.Ops, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg, src, ops); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hs := &http.Server{Handler: mux}
	logger.Info("metrics HTTP server listening", "address", lis.Addr().String())
	go func() {
		if err := hs.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	return nil
}

// Backend is the facility and firmware client a context runs on.
type Backend struct {
	Facility tf.Facility
	Firmware *fw.Client
	Device   *sim.Device

	closers []func() error
}

// OpenBackend builds the backend named by c.Device.Backend. Device
// queries go to the simulated device unless c.Device.Netdev names a
// host netdev to interrogate.
func OpenBackend(c config.Config, dirs config.RuntimeDirs, logger *slog.Logger) (_ *Backend, err error) {
	if logger == nil {
		logger = logging.Discard()
	}
	memCfg, err := c.Tables.Facility()
	if err != nil {
		return nil, err
	}
	simCfg := sim.DefaultConfig()
	simCfg.Tables = memCfg
	dev := sim.New(simCfg)

	b := &Backend{Device: dev}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	transport := dev.Transport()
	if c.Device.Netdev != "" {
		sys, err := host.Linux()
		if err != nil {
			return nil, err
		}
		ht := host.New(sys, c.Device.Netdev, dev, logger)
		b.closers = append(b.closers, func() error { ht.Close(); return nil })
		transport = ht
	}
	b.Firmware = fw.NewClient(transport, c.Firmware.RequestTimeout.Duration, logger)

	switch c.Device.Backend {
	case config.BackendMemory:
		b.Facility = dev.Facility()
	case config.BackendFirmware:
		b.Facility = fwtf.New(b.Firmware)
	case config.BackendEBPF:
		opts := []tfebpf.Option{tfebpf.WithLogger(logger)}
		if c.Device.PinMaps {
			if err := dirs.EnsureBPFFS(c.Device.Name); err != nil {
				return nil, err
			}
			pinDir := dirs.TablePinDir(c.Device.Name)
			reused, err := bpffs.NewScanner(pinDir).WithOnMalformed(func(path string, err error) {
				logger.Warn("ignoring malformed pin", "path", path, "error", err)
			}).MapPins()
			if err != nil {
				return nil, err
			}
			if len(reused) > 0 {
				logger.Info("reusing pinned tables", "dir", pinDir, "maps", len(reused))
			}
			opts = append(opts, tfebpf.WithPinDir(pinDir))
		}
		f, err := tfebpf.New(memCfg, opts...)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, f.Close)
		b.Facility = f
	default:
		return nil, ufp.Errorf(ufp.KindInvalidArg, "backend %q", c.Device.Backend)
	}
	logger.Info("backend ready", "backend", c.Device.Backend, "netdev", c.Device.Netdev)
	return b, nil
}

// Close releases the backend in reverse order of acquisition.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
