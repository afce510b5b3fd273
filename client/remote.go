package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/portdb"
	"github.com/frobware/go-ufp/server"
)

// remoteClient translates Client calls into FlowService requests.
type remoteClient struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

var _ Client = (*remoteClient)(nil)

// newRemote creates a Client connected to the specified address.
func newRemote(address string, logger *slog.Logger) (*remoteClient, error) {
	target := parseAddress(address)

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return &remoteClient{conn: conn, logger: logger}, nil
}

// parseAddress normalises an address for gRPC. Paths and unix://
// targets are Unix sockets; anything else is host:port.
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return address
	}
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Close releases the gRPC connection.
func (c *remoteClient) Close() error {
	return c.conn.Close()
}

func (c *remoteClient) invoke(ctx context.Context, method string, req, resp proto.Message) error {
	if err := c.conn.Invoke(ctx, server.FullMethod(method), req, resp); err != nil {
		c.logger.DebugContext(ctx, "call failed", "method", method, "error", err)
		return server.FromStatus(err)
	}
	return nil
}

func (c *remoteClient) Install(ctx context.Context, rule ufp.Rule, parent bool) (ufp.FlowID, error) {
	raw, err := json.Marshal(rule)
	if err != nil {
		return 0, ufp.Errorf(ufp.KindInvalidArg, "encode rule: %v", err)
	}
	req, err := structpb.NewStruct(map[string]any{"rule": string(raw), "parent": parent})
	if err != nil {
		return 0, err
	}
	var resp wrapperspb.UInt32Value
	if err := c.invoke(ctx, server.MethodInstall, req, &resp); err != nil {
		return 0, err
	}
	return ufp.FlowID(resp.GetValue()), nil
}

func (c *remoteClient) InstallDefault(ctx context.Context, port uint16, dir ufp.Direction) (ufp.FlowID, error) {
	req, err := structpb.NewStruct(map[string]any{"port": float64(port), "direction": dir.String()})
	if err != nil {
		return 0, err
	}
	var resp wrapperspb.UInt32Value
	if err := c.invoke(ctx, server.MethodInstallDefault, req, &resp); err != nil {
		return 0, err
	}
	return ufp.FlowID(resp.GetValue()), nil
}

func (c *remoteClient) Uninstall(ctx context.Context, fid ufp.FlowID) error {
	return c.invoke(ctx, server.MethodUninstall, wrapperspb.UInt32(uint32(fid)), &emptypb.Empty{})
}

func (c *remoteClient) QueryCount(ctx context.Context, fid ufp.FlowID) (counter.Stats, error) {
	var resp structpb.Struct
	if err := c.invoke(ctx, server.MethodQueryCount, wrapperspb.UInt32(uint32(fid)), &resp); err != nil {
		return counter.Stats{}, err
	}
	return statsFromStruct(&resp)
}

func statsFromStruct(s *structpb.Struct) (counter.Stats, error) {
	var st counter.Stats
	var err error
	f := s.GetFields()
	if st.Packets, err = strconv.ParseUint(f["packets"].GetStringValue(), 10, 64); err != nil {
		return st, ufp.Errorf(ufp.KindInternal, "packets: %v", err)
	}
	if st.Bytes, err = strconv.ParseUint(f["bytes"].GetStringValue(), 10, 64); err != nil {
		return st, ufp.Errorf(ufp.KindInternal, "bytes: %v", err)
	}
	if v := f["last_used"].GetStringValue(); v != "" {
		if st.LastUsed, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return st, ufp.Errorf(ufp.KindInternal, "last used: %v", err)
		}
	}
	return st, nil
}

func (c *remoteClient) FlushFunction(ctx context.Context, funcID uint16) (int, error) {
	var resp wrapperspb.UInt32Value
	if err := c.invoke(ctx, server.MethodFlushFunction, wrapperspb.UInt32(uint32(funcID)), &resp); err != nil {
		return 0, err
	}
	return int(resp.GetValue()), nil
}

func (c *remoteClient) UpdatePort(ctx context.Context, d portdb.Descriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return ufp.Errorf(ufp.KindInvalidArg, "encode port: %v", err)
	}
	return c.invoke(ctx, server.MethodUpdatePort, wrapperspb.Bytes(raw), &emptypb.Empty{})
}

func (c *remoteClient) Dump(ctx context.Context) (manager.State, error) {
	var resp wrapperspb.BytesValue
	if err := c.invoke(ctx, server.MethodDump, &emptypb.Empty{}, &resp); err != nil {
		return manager.State{}, err
	}
	var st manager.State
	if err := json.Unmarshal(resp.GetValue(), &st); err != nil {
		return manager.State{}, ufp.Errorf(ufp.KindInternal, "decode state: %v", err)
	}
	return st, nil
}

func (c *remoteClient) Usage(ctx context.Context) (manager.Usage, error) {
	var resp wrapperspb.BytesValue
	if err := c.invoke(ctx, server.MethodUsage, &emptypb.Empty{}, &resp); err != nil {
		return manager.Usage{}, err
	}
	var u manager.Usage
	if err := json.Unmarshal(resp.GetValue(), &u); err != nil {
		return manager.Usage{}, ufp.Errorf(ufp.KindInternal, "decode usage: %v", err)
	}
	return u, nil
}

func (c *remoteClient) Snapshot(ctx context.Context) (int64, error) {
	var resp wrapperspb.Int64Value
	if err := c.invoke(ctx, server.MethodSnapshot, &emptypb.Empty{}, &resp); err != nil {
		return 0, err
	}
	return resp.GetValue(), nil
}
