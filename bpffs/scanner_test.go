package bpffs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
)

func TestScanner_Pins(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ufp_tcam_rx_3"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ufp_id_tx_1"), nil, 0644))
	// Not ours (should be ignored)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other_map"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "ufp_subdir"), 0755))

	var pins []MapPin
	for pin, err := range NewScanner(dir).Pins(context.Background()) {
		require.NoError(t, err)
		pins = append(pins, pin)
	}

	assert.Len(t, pins, 2)
	assert.Contains(t, pins, MapPin{
		Path: filepath.Join(dir, "ufp_tcam_rx_3"), Name: "ufp_tcam_rx_3",
		Kind: "tcam", Direction: ufp.DirRX, Type: 3,
	})
	assert.Contains(t, pins, MapPin{
		Path: filepath.Join(dir, "ufp_id_tx_1"), Name: "ufp_id_tx_1",
		Kind: "id", Direction: ufp.DirTX, Type: 1,
	})
}

func TestScanner_MissingDir(t *testing.T) {
	names, err := NewScanner(filepath.Join(t.TempDir(), "absent")).MapPins()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestScanner_MalformedSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ufp_em_rx_1"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ufp_em_up_1"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ufp_em_rx"), nil, 0644))

	var malformed []string
	s := NewScanner(dir).WithOnMalformed(func(path string, err error) {
		malformed = append(malformed, filepath.Base(path))
	})
	names, err := s.MapPins()
	require.NoError(t, err)
	assert.Equal(t, []string{"ufp_em_rx_1"}, names)
	assert.ElementsMatch(t, []string{"ufp_em_up_1", "ufp_em_rx"}, malformed)
}

func TestScanner_RemoveAll(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ufp_tbl_rx_2"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep"), nil, 0644))

	n, err := NewScanner(dir).RemoveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(filepath.Join(dir, "keep"))
	assert.NoError(t, err)
}

func TestIsMounted(t *testing.T) {
	info := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(info, []byte(
		"22 1 0:21 / /proc rw,nosuid - proc proc rw\n"+
			"30 22 0:27 / /sys/fs/bpf rw,nosuid shared:9 - bpf bpf rw,mode=700\n"), 0644))

	ok, err := IsMounted(info, "/sys/fs/bpf")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsMounted(info, "/proc")
	require.NoError(t, err)
	assert.False(t, ok)
}
