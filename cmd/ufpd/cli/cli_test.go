package cli_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/cmd/ufpd/cli"
	"github.com/frobware/go-ufp/config"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/snapshot"
)

// run parses args against a fresh CLI rooted at dir and executes the
// selected command, returning what it wrote.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var c cli.CLI
	var out bytes.Buffer
	c.SetOutput(&out)

	parser, err := kong.New(&c, append(cli.KongOptions(), kong.Exit(func(int) { t.Fatalf("kong exited on %v", args) }))...)
	require.NoError(t, err)
	base := []string{"--config", filepath.Join(dir, "absent.toml"), "--runtime-dir", dir}
	ctx, err := parser.Parse(append(base, args...))
	if err != nil {
		return "", err
	}
	err = ctx.Run(&c)
	return out.String(), err
}

func writeRule(t *testing.T, dir string) string {
	t.Helper()
	rule := ufp.Rule{
		Direction:  ufp.DirRX,
		FunctionID: 1,
		PortID:     1,
		Headers: []ufp.Header{
			{Type: ufp.HeaderEth, Fields: map[ufp.FieldID]ufp.FieldSpec{
				ufp.FieldEthDMAC: {Value: ufp.Bytes{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}},
			}},
			{Type: ufp.HeaderIPv4, Fields: map[ufp.FieldID]ufp.FieldSpec{
				ufp.FieldIPv4Src:   {Value: ufp.Bytes{10, 0, 0, 1}},
				ufp.FieldIPv4Dst:   {Value: ufp.Bytes{10, 0, 0, 2}},
				ufp.FieldIPv4Proto: {Value: ufp.Bytes{17}},
			}},
		},
		Actions: []ufp.Action{{Type: ufp.ActionDrop}},
	}
	data, err := json.Marshal(rule)
	require.NoError(t, err)
	path := filepath.Join(dir, "rule.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestParseFlowID(t *testing.T) {
	tests := []struct {
		input   string
		want    ufp.FlowID
		wantErr bool
	}{
		{"1", 1, false},
		{"0x10", 16, false},
		{"4294967295", 4294967295, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"4294967296", 0, true},
		{"flow", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cli.ParseFlowID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejectsBadArguments(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "uninstall", "0")
	require.Error(t, err)

	_, err = run(t, dir, "install", "default", "1", "--dir", "sideways")
	require.Error(t, err)

	_, err = run(t, dir, "usage", "-o", "yaml")
	require.Error(t, err)
}

func TestLocalInstallRule(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "--local", "install", "rule", writeRule(t, dir))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "flow "), "got %q", out)

	_, err = run(t, dir, "--local", "install", "rule", filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestLocalInstallDefault(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "--local", "install", "default", "1", "--dir", "rx")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "flow "), "got %q", out)
}

func TestLocalUninstallUnknownFlow(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "--local", "uninstall", "99")
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "got %v", err)

	_, err = run(t, dir, "--local", "count", "99")
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "got %v", err)
}

func TestLocalUsage(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "--local", "usage", "-o", "json")
	require.NoError(t, err)
	var u manager.Usage
	require.NoError(t, json.Unmarshal([]byte(out), &u))
	assert.Positive(t, u.FlowCapacity)

	out, err = run(t, dir, "--local", "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "FLOWS")
	assert.Contains(t, out, "CAPACITY")
}

func TestLocalFlushFunction(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "--local", "flush-function", "1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "flushed "), "got %q", out)
	assert.Contains(t, out, "of function 1")
}

func TestDumpSaveAndReadBack(t *testing.T) {
	dir := t.TempDir()
	device := config.DefaultConfig().Device.Name

	out, err := run(t, dir, "--local", "dump", "--save")
	require.NoError(t, err)
	assert.Contains(t, out, "device "+device)
	assert.Contains(t, out, "PORT")

	out, err = run(t, dir, "snapshots", "list", "-o", "json")
	require.NoError(t, err)
	var list []snapshot.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.NotEmpty(t, list)
	assert.Equal(t, device, list[0].Device)

	dirs, err := config.NewRuntimeDirs(dir)
	require.NoError(t, err)
	out, err = run(t, dir, "dump", "--db", dirs.SnapshotPath(device), "-o", "json")
	require.NoError(t, err)
	var st manager.State
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, device, st.Device)

	out, err = run(t, dir, "snapshots", "prune", "--keep", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned")

	_, err = run(t, dir, "dump", "--db", dirs.SnapshotPath(device))
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "got %v", err)
}

func TestTemplates(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "templates", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	out, err = run(t, dir, "templates", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "class")
	assert.Contains(t, out, "action")

	out, err = run(t, dir, "templates", "list", "-o", "json")
	require.NoError(t, err)
	path := filepath.Join(dir, "set.json")
	require.NoError(t, os.WriteFile(path, []byte(out), 0644))

	out, err = run(t, dir, "templates", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestPins(t *testing.T) {
	dir := t.TempDir()
	dirs, err := config.NewRuntimeDirs(dir)
	require.NoError(t, err)
	pinDir := dirs.TablePinDir(config.DefaultConfig().Device.Name)
	require.NoError(t, os.MkdirAll(pinDir, 0755))
	for _, name := range []string{"ufp_em_rx_3", "ufp_if_tx_0", "ufp_bogus", "other"} {
		require.NoError(t, os.WriteFile(filepath.Join(pinDir, name), nil, 0644))
	}

	out, err := run(t, dir, "pins", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ufp_em_rx_3")
	assert.Contains(t, out, "ufp_if_tx_0")
	assert.NotContains(t, out, "ufp_bogus")

	out, err = run(t, dir, "pins", "clean")
	require.NoError(t, err)
	assert.Equal(t, "unpinned 2 table maps of ufp0\n", out)

	_, err = os.Stat(filepath.Join(pinDir, "other"))
	assert.NoError(t, err)
}
