// Package bpffs checks and mounts the BPF filesystem that holds pinned
// table maps, and scans the maps pinned there.
package bpffs

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMountInfoPath is the path to the mountinfo file.
	DefaultMountInfoPath = "/proc/self/mountinfo"

	// DefaultRoot is where bpffs is conventionally mounted.
	DefaultRoot = "/sys/fs/bpf"

	maxMountInfoLine = 1024 * 1024
)

// IsMounted reports whether a bpffs is mounted at mountPoint according
// to mountInfoPath. Each mountinfo line (proc(5)) reads:
//
//	id parent major:minor root mount_point options [optional...] - fstype source super_options
//
// Optional fields such as "shared:9" vary in number, so the " - "
// separator is located by search rather than by field position.
func IsMounted(mountInfoPath, mountPoint string) (bool, error) {
	file, err := os.Open(mountInfoPath)
	if err != nil {
		return false, fmt.Errorf("opening mountinfo: %w", err)
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), maxMountInfoLine)
	for sc.Scan() {
		prefix, suffix, ok := strings.Cut(sc.Text(), " - ")
		if !ok {
			continue
		}
		fields := strings.Fields(prefix)
		fsFields := strings.Fields(suffix)
		if len(fields) < 5 || len(fsFields) < 1 {
			continue
		}
		if fields[4] == mountPoint && fsFields[0] == "bpf" {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("reading mountinfo: %w", err)
	}
	return false, nil
}

// Mount mounts a bpffs at mountPoint, creating the directory if needed.
func Mount(mountPoint string) error {
	fi, err := os.Stat(mountPoint)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("mount point %s is not a directory", mountPoint)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			return fmt.Errorf("creating mount point: %w", err)
		}
	default:
		return fmt.Errorf("stat mount point: %w", err)
	}
	if err := unix.Mount("bpffs", mountPoint, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mount bpffs at %s: %w", mountPoint, err)
	}
	return nil
}

// Unmount unmounts the bpffs at mountPoint.
func Unmount(mountPoint string) error {
	if err := unix.Unmount(mountPoint, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", mountPoint, err)
	}
	return nil
}

// EnsureMounted mounts a bpffs at mountPoint unless mountInfoPath
// already lists one there.
func EnsureMounted(mountInfoPath, mountPoint string) error {
	mounted, err := IsMounted(mountInfoPath, mountPoint)
	if err != nil || mounted {
		return err
	}
	return Mount(mountPoint)
}
