package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/grpc"

	"github.com/frobware/go-ufp/config"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/server"
	"github.com/frobware/go-ufp/snapshot"
)

// ephemeralClient serves an in-process context over a private Unix
// socket so local callers take the same path as remote ones.
type ephemeralClient struct {
	*remoteClient

	mgr     *manager.Manager
	backend *server.Backend
	store   *snapshot.Store
	sockDir string

	grpcServer *grpc.Server
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func newEphemeral(dirs config.RuntimeDirs, cfg config.Config, logger *slog.Logger) (_ Client, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("setup runtime: %w", err)
	}
	logger = manager.WithOpIDHandler(logger)

	ctx := context.Background()
	e := &ephemeralClient{logger: logger}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	e.mgr, e.backend, err = server.OpenContext(ctx, cfg, dirs, logger)
	if err != nil {
		return nil, err
	}
	if e.store, err = snapshot.Open(ctx, dirs.SnapshotPath(cfg.Device.Name), logger); err != nil {
		return nil, err
	}
	if e.sockDir, err = os.MkdirTemp("", "ufp-ephemeral-"); err != nil {
		return nil, err
	}
	socketPath := filepath.Join(e.sockDir, "ufp.sock")

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on socket %s: %w", socketPath, err)
	}

	srv := server.New(e.mgr, server.WithLogger(logger), server.WithSnapshots(e.store))
	e.grpcServer = srv.NewGRPCServer()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.grpcServer.Serve(lis); err != nil {
			logger.Error("ephemeral server failed", "error", err)
		}
	}()

	if e.remoteClient, err = newRemote(socketPath, logger); err != nil {
		return nil, err
	}
	return e, nil
}

// Close stops the server and releases the context.
func (e *ephemeralClient) Close() error {
	var errs []error
	if e.remoteClient != nil {
		errs = append(errs, e.remoteClient.Close())
	}
	if e.grpcServer != nil {
		e.grpcServer.GracefulStop()
		e.wg.Wait()
	}
	if e.mgr != nil {
		errs = append(errs, e.mgr.Close(context.Background()))
	}
	if e.backend != nil {
		errs = append(errs, e.backend.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.sockDir != "" {
		errs = append(errs, os.RemoveAll(e.sockDir))
	}
	return errors.Join(errs...)
}
