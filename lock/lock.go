// Package lock provides the per-device session lock using flock(2).
//
// At most one ULP context may own a device. The owner holds an
// exclusive lock on <dir>/<device>.lock for the lifetime of its
// session; a second process or a second context in the same process
// fails with ufp.ErrSessionBusy (kind BUSY). The kernel drops the lock
// when the holder exits, so a crashed daemon never leaves a device
// wedged.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-ufp"
)

// Session is proof that the caller owns a device.
type Session struct {
	device string
	f      *os.File
}

// Path returns the lock file path for device under dir.
func Path(dir, device string) string {
	return filepath.Join(dir, device+".lock")
}

func open(dir, device string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	f, err := os.OpenFile(Path(dir, device), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func flock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func claim(device string, f *os.File) (*Session, error) {
	// Best effort: the pid is for operators, the flock is the lock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Session{device: device, f: f}, nil
}

// TryAcquire takes the lock for device without waiting.
func TryAcquire(dir, device string) (*Session, error) {
	f, err := open(dir, device)
	if err != nil {
		return nil, err
	}
	if err := flock(f); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ufp.ErrSessionBusy{Device: device}
		}
		return nil, fmt.Errorf("flock: %w", err)
	}
	return claim(device, f)
}

// Acquire takes the lock for device, retrying with exponential backoff
// until ctx is done.
func Acquire(ctx context.Context, dir, device string) (*Session, error) {
	f, err := open(dir, device)
	if err != nil {
		return nil, err
	}

	b := &backoff.Backoff{Min: 25 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2}
	for {
		err := flock(f)
		if err == nil {
			return claim(device, f)
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, errors.Join(ufp.ErrSessionBusy{Device: device}, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
}

// Device returns the locked device name.
func (s *Session) Device() string { return s.device }

// FD returns the raw lock file descriptor (for logging/diagnostics).
func (s *Session) FD() int { return int(s.f.Fd()) }

// Close releases the lock. The lock file is left in place; removing it
// would race with a concurrent acquirer that has it open.
func (s *Session) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
