package lock_test

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/lock"
)

func TestSecondSessionIsBusy(t *testing.T) {
	dir := t.TempDir()
	s, err := lock.TryAcquire(dir, "dev0")
	require.NoError(t, err)
	assert.Equal(t, "dev0", s.Device())

	// flock locks belong to the open file description, so a second
	// open in the same process conflicts too.
	_, err = lock.TryAcquire(dir, "dev0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ufp.ErrBusy))
	var busy ufp.ErrSessionBusy
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "dev0", busy.Device)

	other, err := lock.TryAcquire(dir, "dev1")
	require.NoError(t, err)
	require.NoError(t, other.Close())

	require.NoError(t, s.Close())
	again, err := lock.TryAcquire(dir, "dev0")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestLockFileRecordsPID(t *testing.T) {
	dir := t.TempDir()
	s, err := lock.TryAcquire(dir, "dev0")
	require.NoError(t, err)
	defer s.Close()

	b, err := os.ReadFile(lock.Path(dir, "dev0"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	held, err := lock.TryAcquire(dir, "dev0")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Close()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := lock.Acquire(ctx, dir, "dev0")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestAcquireGivesUpWithContext(t *testing.T) {
	dir := t.TempDir()
	held, err := lock.TryAcquire(dir, "dev0")
	require.NoError(t, err)
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(ctx, dir, "dev0")
	assert.True(t, errors.Is(err, ufp.ErrBusy))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := lock.TryAcquire(t.TempDir(), "dev0")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
