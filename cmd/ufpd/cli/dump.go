package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/snapshot"
)

// DumpCmd prints the live state of a context, or a saved snapshot
// with --db.
type DumpCmd struct {
	OutputFlags
	DB     string `name:"db" help:"Read a saved snapshot from this database instead of the live context."`
	ID     int64  `name:"id" help:"Snapshot id to read with --db; defaults to the newest."`
	Device string `name:"device" help:"Device whose newest snapshot is read; defaults to [device] name."`
	Save   bool   `name:"save" help:"Also save the live state to the daemon's snapshot database."`
}

// Run executes the dump command.
func (c *DumpCmd) Run(cli *CLI) error {
	ctx := context.Background()
	var st manager.State
	var err error
	if c.DB != "" {
		st, err = c.load(ctx, cli)
	} else {
		st, err = c.live(ctx, cli)
	}
	if err != nil {
		return err
	}
	if c.Format() == OutputFormatJSON {
		return writeJSON(cli.stdout(), st)
	}
	return writeState(cli.stdout(), st)
}

func (c *DumpCmd) live(ctx context.Context, cli *CLI) (manager.State, error) {
	cl, err := cli.Client()
	if err != nil {
		return manager.State{}, err
	}
	defer cl.Close()

	st, err := cl.Dump(ctx)
	if err != nil {
		return st, err
	}
	if c.Save {
		id, err := cl.Snapshot(ctx)
		if err != nil {
			return st, fmt.Errorf("failed to save snapshot: %w", err)
		}
		fmt.Fprintf(os.Stderr, "saved snapshot %d\n", id)
	}
	return st, nil
}

func (c *DumpCmd) load(ctx context.Context, cli *CLI) (manager.State, error) {
	logger, err := cli.Logger()
	if err != nil {
		return manager.State{}, err
	}
	store, err := snapshot.Open(ctx, c.DB, logger)
	if err != nil {
		return manager.State{}, err
	}
	defer store.Close()

	id := c.ID
	if id == 0 {
		device := c.Device
		if device == "" {
			cfg, err := cli.LoadConfig()
			if err != nil {
				return manager.State{}, err
			}
			device = cfg.Device.Name
		}
		if id, err = store.Latest(ctx, device); err != nil {
			return manager.State{}, err
		}
	}
	return store.Load(ctx, id)
}

// SnapshotsCmd manages the snapshot database.
type SnapshotsCmd struct {
	List  SnapshotsListCmd  `cmd:"" default:"withargs" help:"List saved snapshots."`
	Prune SnapshotsPruneCmd `cmd:"" help:"Delete all but the newest snapshots of a device."`
}

// SnapshotDBFlags selects the snapshot database.
type SnapshotDBFlags struct {
	DB string `name:"db" help:"Snapshot database; defaults to the runtime database of [device] name."`
}

func (s SnapshotDBFlags) open(ctx context.Context, cli *CLI) (*snapshot.Store, string, error) {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return nil, "", err
	}
	logger, err := cli.Logger()
	if err != nil {
		return nil, "", err
	}
	path := s.DB
	if path == "" {
		dirs, err := cfg.RuntimeDirs()
		if err != nil {
			return nil, "", err
		}
		path = dirs.SnapshotPath(cfg.Device.Name)
	}
	store, err := snapshot.Open(ctx, path, logger)
	return store, cfg.Device.Name, err
}

// SnapshotsListCmd lists saved snapshots.
type SnapshotsListCmd struct {
	OutputFlags
	SnapshotDBFlags
}

// Run executes the snapshots list command.
func (c *SnapshotsListCmd) Run(cli *CLI) error {
	ctx := context.Background()
	store, _, err := c.open(ctx, cli)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(ctx)
	if err != nil {
		return err
	}
	if c.Format() == OutputFormatJSON {
		return writeJSON(cli.stdout(), list)
	}
	return writeSnapshots(cli.stdout(), list)
}

// SnapshotsPruneCmd deletes old snapshots.
type SnapshotsPruneCmd struct {
	SnapshotDBFlags
	Keep   int    `name:"keep" help:"Number of snapshots to keep." default:"10"`
	Device string `name:"device" help:"Device to prune; defaults to [device] name."`
}

// Run executes the snapshots prune command.
func (c *SnapshotsPruneCmd) Run(cli *CLI) error {
	ctx := context.Background()
	store, device, err := c.open(ctx, cli)
	if err != nil {
		return err
	}
	defer store.Close()

	if c.Device != "" {
		device = c.Device
	}
	n, err := store.Prune(ctx, device, c.Keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "pruned %d snapshots of %s\n", n, device)
	return nil
}
