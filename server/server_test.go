package server_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/client"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/fw/sim"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/metrics"
	"github.com/frobware/go-ufp/portdb"
	"github.com/frobware/go-ufp/server"
	"github.com/frobware/go-ufp/snapshot"
)

type fixture struct {
	mgr *manager.Manager
	reg *prometheus.Registry
	c   client.Client
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	dev := sim.New(sim.DefaultConfig())
	mgr, err := manager.Open(ctx, manager.Options{
		Device:   "sim0",
		LockDir:  t.TempDir(),
		NumPorts: 8,
		MaxFlows: 64,
		Marks:    markdb.Config{LFIDEntries: 128},
		Facility: dev.Facility(),
		Firmware: fw.NewClient(dev.Transport(), time.Second, nil),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	ops := metrics.NewOps()
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg, mgr, ops))

	opts := []server.Option{server.WithMetrics(ops)}
	if withStore {
		store, err := snapshot.OpenInMemory(ctx, nil)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		opts = append(opts, server.WithSnapshots(store))
	}
	srv := server.New(mgr, opts...)

	sock := filepath.Join(t.TempDir(), "ufp.sock")
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, sock, "") }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	c, err := client.Dial(sock)
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		cancel()
		assert.NoError(t, <-done)
		mgr.Close(context.Background())
	})
	return &fixture{mgr: mgr, reg: reg, c: c}
}

func udpRule(dst byte) ufp.Rule {
	return ufp.Rule{
		Direction:  ufp.DirRX,
		FunctionID: 1,
		PortID:     1,
		Headers: []ufp.Header{
			{Type: ufp.HeaderEth, Fields: map[ufp.FieldID]ufp.FieldSpec{
				ufp.FieldEthDMAC: {Value: ufp.Bytes{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}},
			}},
			{Type: ufp.HeaderIPv4, Fields: map[ufp.FieldID]ufp.FieldSpec{
				ufp.FieldIPv4Src:   {Value: ufp.Bytes{10, 0, 0, 1}},
				ufp.FieldIPv4Dst:   {Value: ufp.Bytes{10, 0, 0, dst}},
				ufp.FieldIPv4Proto: {Value: ufp.Bytes{17}},
			}},
			{Type: ufp.HeaderUDP, Fields: map[ufp.FieldID]ufp.FieldSpec{
				ufp.FieldL4SrcPort: {Value: ufp.Bytes{0x03, 0xe8}},
				ufp.FieldL4DstPort: {Value: ufp.Bytes{0x07, 0xd0}},
			}},
		},
		Actions: []ufp.Action{{Type: ufp.ActionDrop}},
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, kind := range []ufp.Kind{
		ufp.KindInvalidArg, ufp.KindUnsupportedPattern, ufp.KindResourceExhausted,
		ufp.KindConflict, ufp.KindTimeout, ufp.KindBusy, ufp.KindNotFound, ufp.KindInternal,
	} {
		t.Run(kind.String(), func(t *testing.T) {
			in := ufp.Errorf(kind, "flow %d", 7)
			st := server.ToStatus(in)
			_, ok := status.FromError(st)
			require.True(t, ok)

			out := server.FromStatus(st)
			assert.Equal(t, kind, ufp.KindOf(out))
			assert.Equal(t, in.Error(), out.Error())
		})
	}
}

func TestToStatus(t *testing.T) {
	assert.NoError(t, server.ToStatus(nil))
	assert.Equal(t, codes.FailedPrecondition, status.Code(server.ToStatus(ufp.ErrFlowBusy{FlowID: 1, Children: 2})))
	assert.Equal(t, codes.NotFound, status.Code(server.ToStatus(fmt.Errorf("wrapped: %w", ufp.ErrUnknownPort{Port: 9}))))
	assert.Equal(t, codes.Canceled, status.Code(server.ToStatus(context.Canceled)))
	assert.Equal(t, codes.Internal, status.Code(server.ToStatus(errors.New("boom"))))

	st := status.Error(codes.Unavailable, "gone")
	assert.Equal(t, st, server.ToStatus(st))
	assert.Equal(t, st, server.FromStatus(st), "codes without a kind pass through")
}

func TestInstallQueryUninstall(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	fid, err := fx.c.Install(ctx, udpRule(2), false)
	require.NoError(t, err)
	assert.NotZero(t, fid)

	f, err := fx.mgr.Flow(fid)
	require.NoError(t, err)
	assert.True(t, f.Committed)

	st, err := fx.c.QueryCount(ctx, fid)
	require.NoError(t, err)
	assert.Zero(t, st.Packets)
	assert.True(t, st.LastUsed.IsZero())

	require.NoError(t, fx.c.Uninstall(ctx, fid))
	err = fx.c.Uninstall(ctx, fid)
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "got %v", err)
	_, err = fx.c.QueryCount(ctx, fid)
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "got %v", err)
}

func TestInstallRejectsUndecodableRule(t *testing.T) {
	fx := newFixture(t, false)

	r := udpRule(2)
	r.Direction = 7
	_, err := fx.c.Install(context.Background(), r, false)
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg), "got %v", err)
}

func TestInstallDefaultAndFlush(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	def, err := fx.c.InstallDefault(ctx, 1, ufp.DirRX)
	require.NoError(t, err)
	_, err = fx.c.InstallDefault(ctx, 1, ufp.DirRX)
	assert.True(t, errors.Is(err, ufp.ErrConflict), "got %v", err)
	_, err = fx.c.InstallDefault(ctx, 7, ufp.DirRX)
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "got %v", err)
	require.NoError(t, fx.c.Uninstall(ctx, def))

	for dst := byte(2); dst < 5; dst++ {
		_, err := fx.c.Install(ctx, udpRule(dst), false)
		require.NoError(t, err)
	}
	n, err := fx.c.FlushFunction(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	u, err := fx.c.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, u.Flows)
	assert.Equal(t, 64, u.FlowCapacity)
}

func TestUpdatePortAndDump(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	d, err := fx.mgr.Port(2)
	require.NoError(t, err)
	d.SVIF = 0x77
	require.NoError(t, fx.c.UpdatePort(ctx, d))

	got, err := fx.mgr.Port(2)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x77), got.SVIF)

	fid, err := fx.c.Install(ctx, udpRule(2), false)
	require.NoError(t, err)

	st, err := fx.c.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sim0", st.Device)
	assert.Equal(t, fx.mgr.Session().String(), st.Session)
	assert.Contains(t, st.Ports, got)

	var found bool
	for _, f := range st.Flows {
		if f.ID == fid {
			found = true
			assert.Equal(t, ufp.FlowTypeRegular, f.Type)
			assert.NotEmpty(t, f.Resources)
		}
	}
	assert.True(t, found, "flow %d in dump", fid)

	_, err = fx.c.Snapshot(ctx)
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg), "no store configured: %v", err)
}

func TestSnapshot(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	_, err := fx.c.Install(ctx, udpRule(2), false)
	require.NoError(t, err)
	id, err := fx.c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Positive(t, id)
}

func TestOperationsAreCounted(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	_, err := fx.c.Install(ctx, udpRule(2), false)
	require.NoError(t, err)
	assert.Error(t, fx.c.Uninstall(ctx, 999))

	fams, err := fx.reg.Gather()
	require.NoError(t, err)
	results := map[string]float64{}
	for _, f := range fams {
		if f.GetName() != "ufp_operations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			var op, result string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "op":
					op = lp.GetValue()
				case "result":
					result = lp.GetValue()
				}
			}
			results[op+"/"+result] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, results[server.MethodInstall+"/ok"])
	assert.Equal(t, 1.0, results[server.MethodUninstall+"/"+ufp.KindNotFound.String()])
}

func TestPortDescriptorText(t *testing.T) {
	var pt portdb.PortType
	require.NoError(t, pt.UnmarshalText([]byte("vfrep")))
	assert.Equal(t, portdb.PortTypeVFRep, pt)
	assert.Error(t, pt.UnmarshalText([]byte("bogus")))
}
