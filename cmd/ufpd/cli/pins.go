package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-ufp/bpffs"
	"github.com/frobware/go-ufp/lock"
)

// PinsCmd inspects the table maps pinned by the ebpf backend.
type PinsCmd struct {
	List  PinsListCmd  `cmd:"" default:"withargs" help:"List pinned table maps."`
	Clean PinsCleanCmd `cmd:"" help:"Unpin every table map of a device that no session holds."`
}

// PinsListCmd lists pinned table maps.
type PinsListCmd struct {
	OutputFlags
}

// Run executes the pins list command.
func (c *PinsListCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return err
	}
	logger, err := cli.Logger()
	if err != nil {
		return err
	}

	var pins []bpffs.MapPin
	scanner := bpffs.NewScanner(dirs.TablePinDir(cfg.Device.Name)).WithOnMalformed(func(path string, err error) {
		logger.Warn("malformed pin", "path", path, "error", err)
	})
	for pin, err := range scanner.Pins(context.Background()) {
		if err != nil {
			return err
		}
		pins = append(pins, pin)
	}

	if c.Format() == OutputFormatJSON {
		return writeJSON(cli.stdout(), pins)
	}
	tw := newTable(cli.stdout())
	fmt.Fprintln(tw, "NAME\tKIND\tDIR\tTYPE")
	for _, p := range pins {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.Name, p.Kind, p.Direction, p.Type)
	}
	return tw.Flush()
}

// PinsCleanCmd removes stale pins.
type PinsCleanCmd struct{}

// Run executes the pins clean command. It takes the device lock so it
// cannot unpin maps under a live session.
func (c *PinsCleanCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return err
	}

	sess, err := lock.TryAcquire(dirs.Lock(), cfg.Device.Name)
	if err != nil {
		return err
	}
	defer sess.Close()

	n, err := bpffs.NewScanner(dirs.TablePinDir(cfg.Device.Name)).RemoveAll(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "unpinned %d table maps of %s\n", n, cfg.Device.Name)
	return nil
}
