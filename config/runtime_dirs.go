package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/frobware/go-ufp/bpffs"
)

// RuntimeDirs holds the runtime paths of the daemon:
//
//	{base}/            runtime root
//	{base}/fs/         bpffs mount for pinned table maps
//	{base}/fs/tables/  table map pins, one directory per device
//	{base}/db/         snapshot databases
//	{base}/lock/       per-device session locks
//	{base}-sock/       gRPC socket directory
//
// RuntimeDirs is immutable after construction; use NewRuntimeDirs.
type RuntimeDirs struct {
	base   string
	fs     string
	tables string
	db     string
	lock   string
	sock   string
}

// DefaultRuntimeDirs returns RuntimeDirs rooted at /run/ufp.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs("/run/ufp")
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs derives every runtime path from base, which must be
// absolute.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	fs := filepath.Join(base, "fs")
	return RuntimeDirs{
		base:   base,
		fs:     fs,
		tables: filepath.Join(fs, "tables"),
		db:     filepath.Join(base, "db"),
		lock:   filepath.Join(base, "lock"),
		sock:   base + "-sock",
	}, nil
}

// Base returns the runtime root.
func (d RuntimeDirs) Base() string { return d.base }

// FS returns the bpffs mount point.
func (d RuntimeDirs) FS() string { return d.fs }

// DB returns the snapshot database directory.
func (d RuntimeDirs) DB() string { return d.db }

// Lock returns the session lock directory.
func (d RuntimeDirs) Lock() string { return d.lock }

// Sock returns the gRPC socket directory.
func (d RuntimeDirs) Sock() string { return d.sock }

// SocketPath returns the full path to the gRPC socket.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "ufpd.sock")
}

// TablePinDir returns the pin directory of device's table maps.
func (d RuntimeDirs) TablePinDir(device string) string {
	return filepath.Join(d.tables, device)
}

// SnapshotPath returns the default snapshot database of device.
func (d RuntimeDirs) SnapshotPath(device string) string {
	return filepath.Join(d.db, device+".db")
}

// EnsureDirectories creates the runtime, database, lock and socket
// directories.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.lock, d.sock} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureBPFFS mounts bpffs at FS unless it is already mounted and
// creates the table pin directory of device. It needs CAP_SYS_ADMIN
// when the mount is missing, so only the ebpf backend calls it.
func (d RuntimeDirs) EnsureBPFFS(device string) error {
	if err := bpffs.EnsureMounted(bpffs.DefaultMountInfoPath, d.fs); err != nil {
		return fmt.Errorf("failed to ensure bpffs at %s: %w", d.fs, err)
	}
	if err := os.MkdirAll(d.TablePinDir(device), 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.TablePinDir(device), err)
	}
	return nil
}
