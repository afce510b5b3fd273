// Package client talks to a ufpd context, either over gRPC to a
// running daemon or through an in-process server.
package client

import (
	"context"
	"io"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/portdb"
)

// Client is the operation surface of one ULP context. Errors carry the
// kind the daemon reported, so errors.Is(err, ufp.ErrNotFound) holds
// on both sides of the wire.
type Client interface {
	io.Closer

	// Install offloads rule and returns its flow id. A parent rule
	// accepts children through Rule.ParentFlowID.
	Install(ctx context.Context, rule ufp.Rule, parent bool) (ufp.FlowID, error)
	// InstallDefault installs the default rule of a port.
	InstallDefault(ctx context.Context, port uint16, dir ufp.Direction) (ufp.FlowID, error)
	Uninstall(ctx context.Context, fid ufp.FlowID) error
	QueryCount(ctx context.Context, fid ufp.FlowID) (counter.Stats, error)
	// FlushFunction releases every flow of a function and returns how
	// many were released.
	FlushFunction(ctx context.Context, funcID uint16) (int, error)
	UpdatePort(ctx context.Context, d portdb.Descriptor) error
	Dump(ctx context.Context) (manager.State, error)
	Usage(ctx context.Context) (manager.Usage, error)
	// Snapshot saves the context state to the daemon's snapshot
	// database and returns the snapshot id.
	Snapshot(ctx context.Context) (int64, error)
}
