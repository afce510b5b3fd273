// Package server exposes a ULP context over gRPC.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/metrics"
	"github.com/frobware/go-ufp/portdb"
	"github.com/frobware/go-ufp/snapshot"
)

// Server implements FlowServer over a manager.
type Server struct {
	mgr    *manager.Manager
	store  *snapshot.Store
	ops    *metrics.Ops
	logger *slog.Logger
}

var _ FlowServer = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. It should already be wrapped with
// manager.WithOpIDHandler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSnapshots enables the Snapshot method.
func WithSnapshots(store *snapshot.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithMetrics records every call in ops.
func WithMetrics(ops *metrics.Ops) Option {
	return func(s *Server) { s.ops = ops }
}

// New returns a server for mgr.
func New(mgr *manager.Manager, opts ...Option) *Server {
	s := &Server{mgr: mgr, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.ComponentKey, "server")
	return s
}

// NewGRPCServer returns a gRPC server with s registered and its
// interceptor installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(append(opts, grpc.UnaryInterceptor(s.loggingInterceptor()))...)
	RegisterFlowServer(gs, s)
	return gs
}

// Serve serves on a Unix socket at socketPath and, when tcpAddr is not
// empty, on TCP. It returns nil once ctx is cancelled and the server
// has drained.
func (s *Server) Serve(ctx context.Context, socketPath, tcpAddr string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer unixListener.Close()
	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	gs := s.NewGRPCServer()
	errChan := make(chan error, 2)

	go func() {
		s.logger.InfoContext(ctx, "gRPC server listening", "socket", socketPath)
		if err := gs.Serve(unixListener); err != nil {
			errChan <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	if tcpAddr != "" {
		tcpListener, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			gs.GracefulStop()
			return fmt.Errorf("failed to listen on TCP %s: %w", tcpAddr, err)
		}
		go func() {
			s.logger.InfoContext(ctx, "gRPC server listening", "tcp", tcpListener.Addr().String())
			if err := gs.Serve(tcpListener); err != nil {
				errChan <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down gRPC server")
		gs.GracefulStop()
		return nil
	case err := <-errChan:
		gs.Stop()
		return err
	}
}

// loggingInterceptor assigns an operation id to each request, records
// the outcome and converts errors to status codes.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opID := manager.NextOpID()
		ctx = manager.ContextWithOpID(ctx, opID)
		method := filepath.Base(info.FullMethod)

		start := time.Now()
		resp, err := handler(ctx, req)
		if s.ops != nil {
			s.ops.Observe(method, time.Since(start).Seconds(), err)
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "method", info.FullMethod, "kind", ufp.KindOf(err), "error", err)
			return nil, ToStatus(err)
		}
		s.logger.DebugContext(ctx, "grpc ok", "method", info.FullMethod, "duration", time.Since(start))
		return resp, nil
	}
}

// Install implements FlowServer.
func (s *Server) Install(ctx context.Context, req *structpb.Struct) (*wrapperspb.UInt32Value, error) {
	raw := req.GetFields()["rule"].GetStringValue()
	if raw == "" {
		return nil, ufp.Errorf(ufp.KindInvalidArg, "install: missing rule")
	}
	var rule ufp.Rule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, ufp.Errorf(ufp.KindInvalidArg, "install: decode rule: %v", err)
	}
	var opts []manager.InstallOption
	if req.GetFields()["parent"].GetBoolValue() {
		opts = append(opts, manager.AsParent())
	}
	res, err := s.mgr.Install(ctx, rule, opts...)
	if err != nil {
		return nil, err
	}
	return wrapperspb.UInt32(uint32(res.FlowID)), nil
}

// InstallDefault implements FlowServer.
func (s *Server) InstallDefault(ctx context.Context, req *structpb.Struct) (*wrapperspb.UInt32Value, error) {
	port := req.GetFields()["port"].GetNumberValue()
	if port < 0 || port > 0xffff || port != float64(uint16(port)) {
		return nil, ufp.Errorf(ufp.KindInvalidArg, "install default: port %v", port)
	}
	dir, err := ufp.ParseDirection(req.GetFields()["direction"].GetStringValue())
	if err != nil {
		return nil, err
	}
	res, err := s.mgr.InstallDefault(ctx, uint16(port), dir)
	if err != nil {
		return nil, err
	}
	return wrapperspb.UInt32(uint32(res.FlowID)), nil
}

// Uninstall implements FlowServer.
func (s *Server) Uninstall(ctx context.Context, req *wrapperspb.UInt32Value) (*emptypb.Empty, error) {
	if err := s.mgr.Uninstall(ctx, ufp.FlowID(req.GetValue())); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// QueryCount implements FlowServer. Counts are decimal strings so no
// precision is lost to the float64 numbers of structpb.
func (s *Server) QueryCount(ctx context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	st, err := s.mgr.QueryCount(ctx, ufp.FlowID(req.GetValue()))
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"packets": strconv.FormatUint(st.Packets, 10),
		"bytes":   strconv.FormatUint(st.Bytes, 10),
	}
	if !st.LastUsed.IsZero() {
		fields["last_used"] = st.LastUsed.Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(fields)
}

// FlushFunction implements FlowServer.
func (s *Server) FlushFunction(ctx context.Context, req *wrapperspb.UInt32Value) (*wrapperspb.UInt32Value, error) {
	if req.GetValue() > 0xffff {
		return nil, ufp.Errorf(ufp.KindInvalidArg, "flush function: function id %d", req.GetValue())
	}
	n, err := s.mgr.FlushFunction(ctx, uint16(req.GetValue()))
	if err != nil {
		return nil, err
	}
	return wrapperspb.UInt32(uint32(n)), nil
}

// UpdatePort implements FlowServer.
func (s *Server) UpdatePort(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var d portdb.Descriptor
	if err := json.Unmarshal(req.GetValue(), &d); err != nil {
		return nil, ufp.Errorf(ufp.KindInvalidArg, "update port: decode descriptor: %v", err)
	}
	if err := s.mgr.UpdatePort(ctx, d); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Dump implements FlowServer.
func (s *Server) Dump(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	st, err := s.mgr.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("dump: %w", err)
	}
	return wrapperspb.Bytes(b), nil
}

// Usage implements FlowServer.
func (s *Server) Usage(_ context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(s.mgr.Usage())
	if err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	return wrapperspb.Bytes(b), nil
}

// Snapshot implements FlowServer.
func (s *Server) Snapshot(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	if s.store == nil {
		return nil, ufp.Errorf(ufp.KindInvalidArg, "snapshot: no snapshot store configured")
	}
	st, err := s.mgr.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	id, err := s.store.Save(ctx, st)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "snapshot saved", "id", id, "flows", len(st.Flows))
	return wrapperspb.Int64(id), nil
}
