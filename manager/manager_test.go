package manager_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/fw"
	"github.com/frobware/go-ufp/fw/sim"
	"github.com/frobware/go-ufp/logging"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/markdb"
	"github.com/frobware/go-ufp/portdb"
	"github.com/frobware/go-ufp/tf"
	"github.com/frobware/go-ufp/tf/fwtf"
	"github.com/frobware/go-ufp/tf/memory"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if os.Getenv("UFP_TEST_VERBOSE") == "" {
		return logging.Discard()
	}
	l, err := logging.New(logging.Options{CLISpec: "trace"})
	require.NoError(t, err)
	return l
}

type fixture struct {
	ctx  context.Context
	dev  *sim.Device
	fac  *memory.Facility
	opts manager.Options
	m    *manager.Manager
}

// globals is what an open context leaves allocated: one profile
// function per direction.
var globals = memory.Usage{ufp.ResourceFuncIdentifier: 2}

func newFixture(t *testing.T, mutate ...func(*manager.Options)) *fixture {
	t.Helper()
	fx := &fixture{ctx: context.Background(), dev: sim.New(sim.DefaultConfig())}
	fx.fac = fx.dev.Facility()
	fx.opts = manager.Options{
		Device:   "sim0",
		LockDir:  t.TempDir(),
		NumPorts: 8,
		MaxFlows: 256,
		Marks:    markdb.Config{LFIDEntries: 1024, GFIDEntries: 64},
		Facility: fx.fac,
		Firmware: fw.NewClient(fx.dev.Transport(), time.Second, nil),
		Logger:   testLogger(t),
	}
	for _, fn := range mutate {
		fn(&fx.opts)
	}
	var err error
	fx.m, err = manager.Open(fx.ctx, fx.opts)
	require.NoError(t, err)
	t.Cleanup(func() { fx.m.Close(context.Background()) })
	return fx
}

func udpRule(dst byte, actions ...ufp.Action) ufp.Rule {
	if len(actions) == 0 {
		actions = []ufp.Action{{Type: ufp.ActionDrop}}
	}
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
		Actions: actions,
	}
}

func countByFunc(rs []ufp.Resource) map[ufp.ResourceFunc]int {
	out := map[ufp.ResourceFunc]int{}
	for _, r := range rs {
		out[r.Func]++
	}
	return out
}

func opCount(f *memory.Facility, kind memory.OpKind) int {
	n := 0
	for _, op := range f.Ops() {
		if op.Kind == kind && op.Err == nil {
			n++
		}
	}
	return n
}

func TestOpenSeedsPortsAndGlobals(t *testing.T) {
	fx := newFixture(t)

	assert.Equal(t, "sim0", fx.m.Device())
	assert.NotEmpty(t, fx.m.Session().String())
	assert.Equal(t, "ufp-sim", fx.m.Info().Version.Driver)
	assert.Len(t, fx.m.Ports(), len(sim.DefaultPorts()))

	vfr, err := fx.m.Port(3)
	require.NoError(t, err)
	assert.True(t, vfr.IsVFR)

	assert.Equal(t, globals, fx.fac.Outstanding())
	assert.Equal(t, 1, opCount(fx.fac, memory.OpAllocScope))
	cfg := fx.fac.GlobalConfig()
	require.Len(t, cfg, 2)
	for _, c := range cfg {
		assert.Equal(t, tf.GlobalCfgTblScope, c.Type)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.m.Install(fx.ctx, udpRule(2))
	require.NoError(t, err)
	parent, err := fx.m.Install(fx.ctx, udpRule(3), manager.AsParent())
	require.NoError(t, err)
	child := udpRule(4)
	child.ParentFlowID = parent.FlowID
	_, err = fx.m.Install(fx.ctx, child)
	require.NoError(t, err)

	require.NoError(t, fx.m.Close(fx.ctx))
	assert.Empty(t, fx.fac.Outstanding())
	assert.Equal(t, 1, opCount(fx.fac, memory.OpFreeScope))
	require.NoError(t, fx.m.Close(fx.ctx), "second close is a no-op")

	_, err = fx.m.Install(fx.ctx, udpRule(2))
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg), "got %v", err)
}

func TestDoubleOpenIsBusy(t *testing.T) {
	fx := newFixture(t)

	_, err := manager.Open(fx.ctx, fx.opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ufp.ErrBusy), "got %v", err)
	assert.Equal(t, globals, fx.fac.Outstanding(), "failed open touched nothing")

	require.NoError(t, fx.m.Close(fx.ctx))
	again, err := manager.Open(fx.ctx, fx.opts)
	require.NoError(t, err)
	require.NoError(t, again.Close(fx.ctx))
}

func TestOpenUnwindsOnFailure(t *testing.T) {
	dev := sim.New(sim.DefaultConfig())
	fac := dev.Facility()
	fac.InjectFault(memory.OpAllocIdent, 1, errors.New("device fell over"))

	opts := manager.Options{
		Device:   "sim0",
		LockDir:  t.TempDir(),
		NumPorts: 8,
		MaxFlows: 16,
		Marks:    markdb.Config{LFIDEntries: 32},
		Facility: fac,
		Firmware: fw.NewClient(dev.Transport(), time.Second, nil),
	}
	_, err := manager.Open(context.Background(), opts)
	require.Error(t, err)
	assert.Empty(t, fac.Outstanding())
	assert.Equal(t, opCount(fac, memory.OpAllocScope), opCount(fac, memory.OpFreeScope))

	// The lock went with the rest.
	m, err := manager.Open(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
}

func TestOpenRequiresFlowOffload(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Features = fw.FeatureVLANOffload
	dev := sim.New(cfg)
	_, err := manager.Open(context.Background(), manager.Options{
		Device:   "sim0",
		LockDir:  t.TempDir(),
		NumPorts: 8,
		MaxFlows: 16,
		Marks:    markdb.Config{LFIDEntries: 32},
		Facility: dev.Facility(),
		Firmware: fw.NewClient(dev.Transport(), time.Second, nil),
	})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg), "got %v", err)
}

func TestOpenRejectsMissingOptions(t *testing.T) {
	_, err := manager.Open(context.Background(), manager.Options{})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
}

func TestInstallExactMatchDrop(t *testing.T) {
	fx := newFixture(t)

	r := udpRule(2)
	r.FlowSigID = 0xDEADBEEF
	res, err := fx.m.Install(fx.ctx, r)
	require.NoError(t, err)
	assert.NotZero(t, res.FlowID)

	rs, err := fx.m.Reachable(res.FlowID)
	require.NoError(t, err)
	got := countByFunc(rs)
	assert.Equal(t, 2, got[ufp.ResourceFuncTCAMTable])
	assert.Equal(t, 1, got[ufp.ResourceFuncEMTable])
	assert.Equal(t, 1, got[ufp.ResourceFuncIndexTable])
	assert.Equal(t, 1, fx.fac.OutstandingOf(ufp.ResourceFuncTCAMTable, ufp.DirRX, uint16(tf.TCAML2CtxtLow)))

	require.NoError(t, fx.m.Uninstall(fx.ctx, res.FlowID))
	assert.Equal(t, globals, fx.fac.Outstanding())
	assert.Zero(t, fx.m.Usage().Flows)
}

func TestInstallUnknownPattern(t *testing.T) {
	fx := newFixture(t)

	r := ufp.Rule{
		Direction: ufp.DirRX,
		PortID:    1,
		Headers:   []ufp.Header{{Type: ufp.HeaderEth}, {Type: ufp.HeaderIPv6}, {Type: ufp.HeaderTCP}},
		Actions:   []ufp.Action{{Type: ufp.ActionDrop}},
	}
	_, err := fx.m.Install(fx.ctx, r)
	assert.True(t, errors.Is(err, ufp.ErrUnsupportedPattern), "got %v", err)
	assert.Equal(t, globals, fx.fac.Outstanding())
}

func TestInstallRejectsInvalidRule(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.m.Install(fx.ctx, ufp.Rule{Direction: 9})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))

	r := udpRule(2)
	r.ParentFlowID = 1
	_, err = fx.m.Install(fx.ctx, r, manager.AsParent())
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg))
}

func TestParentChild(t *testing.T) {
	fx := newFixture(t)

	p, err := fx.m.Install(fx.ctx, udpRule(2), manager.AsParent())
	require.NoError(t, err)
	cr := udpRule(3)
	cr.ParentFlowID = p.FlowID
	c, err := fx.m.Install(fx.ctx, cr)
	require.NoError(t, err)

	f, err := fx.m.Flow(c.FlowID)
	require.NoError(t, err)
	assert.Equal(t, ufp.FlowTypeChild, f.Type)
	assert.Equal(t, p.FlowID, f.Parent)

	err = fx.m.Uninstall(fx.ctx, p.FlowID)
	assert.True(t, errors.Is(err, ufp.ErrBusy), "got %v", err)
	require.NoError(t, fx.m.Uninstall(fx.ctx, c.FlowID))
	require.NoError(t, fx.m.Uninstall(fx.ctx, p.FlowID))
	assert.Equal(t, globals, fx.fac.Outstanding())
}

func TestUninstallUnknownFlow(t *testing.T) {
	fx := newFixture(t)

	err := fx.m.Uninstall(fx.ctx, 42)
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "got %v", err)
	var nf ufp.ErrFlowNotFound
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, ufp.FlowID(42), nf.FlowID)
}

func TestUninstallCannotTargetRIDFlows(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.m.Install(fx.ctx, udpRule(2))
	require.NoError(t, err)
	for _, f := range fx.m.Flows() {
		if f.Type != ufp.FlowTypeRID {
			continue
		}
		err := fx.m.Uninstall(fx.ctx, f.ID)
		assert.True(t, errors.Is(err, ufp.ErrNotFound), "rid flow %d: got %v", f.ID, err)
	}
	require.NoError(t, fx.m.Uninstall(fx.ctx, res.FlowID))
	assert.Empty(t, fx.m.Flows(), "rid flows went with the last reference")
}

func TestUninstallSwallowsReleaseErrors(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.m.Install(fx.ctx, udpRule(2))
	require.NoError(t, err)
	fx.fac.InjectFault(memory.OpDeleteEM, 0, errors.New("firmware said no"))

	require.NoError(t, fx.m.Uninstall(fx.ctx, res.FlowID))
	_, err = fx.m.Flow(res.FlowID)
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "flow is gone regardless")
}

func TestFlushFunction(t *testing.T) {
	fx := newFixture(t)

	for _, dst := range []byte{2, 3, 4} {
		_, err := fx.m.Install(fx.ctx, udpRule(dst))
		require.NoError(t, err)
	}
	other := udpRule(5)
	other.FunctionID = 2
	kept, err := fx.m.Install(fx.ctx, other)
	require.NoError(t, err)

	n, err := fx.m.FlushFunction(fx.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = fx.m.Flow(kept.FlowID)
	assert.NoError(t, err)
	n, err = fx.m.FlushFunction(fx.ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInstallDefault(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.m.InstallDefault(fx.ctx, 1, ufp.DirRX)
	require.NoError(t, err)
	f, err := fx.m.Flow(res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, ufp.FlowTypeDefault, f.Type)
	assert.Equal(t, 1, fx.fac.OutstandingOf(ufp.ResourceFuncIfTable, ufp.DirRX, uint16(tf.IfTableParifDefaultAction)))

	_, err = fx.m.InstallDefault(fx.ctx, 1, ufp.DirRX)
	assert.True(t, errors.Is(err, ufp.ErrConflict), "got %v", err)

	_, err = fx.m.InstallDefault(fx.ctx, 7, ufp.DirRX)
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "unconfigured port: got %v", err)

	require.NoError(t, fx.m.Uninstall(fx.ctx, res.FlowID))
	assert.Zero(t, fx.fac.OutstandingOf(ufp.ResourceFuncIfTable, ufp.DirRX, uint16(tf.IfTableParifDefaultAction)))
}

func TestUpdatePort(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.m.UpdatePort(fx.ctx, portdb.Descriptor{
		LogicalID: 4, Type: portdb.PortTypeVF, SVIF: 0x50, Parif: 4, VNIC: 0x300,
		FunctionID: 3, FunctionFID: 3, IsVF: true, Name: "pf0vf1",
	}))
	d, err := fx.m.Port(4)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x50), d.SVIF)

	err = fx.m.UpdatePort(fx.ctx, portdb.Descriptor{LogicalID: 100})
	assert.Error(t, err)
}

func TestMarkGet(t *testing.T) {
	fx := newFixture(t)

	r := udpRule(2,
		ufp.Action{Type: ufp.ActionMark, Props: map[ufp.PropID]ufp.Bytes{ufp.PropMark: {0x12, 0x34}}},
		ufp.Action{Type: ufp.ActionVNIC, Props: map[ufp.PropID]ufp.Bytes{ufp.PropVNIC: {0x01, 0x00}}},
	)
	res, err := fx.m.Install(fx.ctx, r)
	require.NoError(t, err)

	st, err := fx.m.Snapshot(fx.ctx)
	require.NoError(t, err)
	require.Len(t, st.Marks, 1)
	mark, _, err := fx.m.MarkGet(false, st.Marks[0].Index)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234), mark)

	require.NoError(t, fx.m.Uninstall(fx.ctx, res.FlowID))
	_, _, err = fx.m.MarkGet(false, st.Marks[0].Index)
	assert.True(t, errors.Is(err, ufp.ErrNotFound), "got %v", err)
}

func TestOpenRejectsSmallLFIDTable(t *testing.T) {
	dev := sim.New(sim.DefaultConfig())
	_, err := manager.Open(context.Background(), manager.Options{
		Device:   "sim0",
		LockDir:  t.TempDir(),
		NumPorts: 8,
		MaxFlows: 64,
		Marks:    markdb.Config{LFIDEntries: 8},
		Facility: dev.Facility(),
		Firmware: fw.NewClient(dev.Transport(), time.Second, nil),
	})
	assert.True(t, errors.Is(err, ufp.ErrInvalidArg), "got %v", err)
}

// TestMarkInstallsUntilPoolExhausted fills the flow pool with mark
// rules; every mark row must find its LFID slot, so the only failure
// is running out of flows.
func TestMarkInstallsUntilPoolExhausted(t *testing.T) {
	fx := newFixture(t, func(o *manager.Options) {
		o.MaxFlows = 32
		o.Marks = markdb.Config{LFIDEntries: 33}
	})

	installed := 0
	var err error
	for i := range 64 {
		r := udpRule(byte(i+2),
			ufp.Action{Type: ufp.ActionMark, Props: map[ufp.PropID]ufp.Bytes{ufp.PropMark: {0x10, byte(i)}}},
		)
		if _, err = fx.m.Install(fx.ctx, r); err != nil {
			break
		}
		installed++
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ufp.ErrResourceExhausted), "got %v", err)
	assert.GreaterOrEqual(t, installed, 3)
}

// counterIndex returns the stats table index reachable from fid.
func (fx *fixture) counterIndex(t *testing.T, fid ufp.FlowID) uint32 {
	t.Helper()
	rs, err := fx.m.Reachable(fid)
	require.NoError(t, err)
	for _, r := range rs {
		if r.Func == ufp.ResourceFuncCMMStat {
			return uint32(r.Handle)
		}
	}
	require.FailNow(t, "flow has no counter")
	return 0
}

func TestCounterAccumulatesAcrossWrap(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.m.Install(fx.ctx, udpRule(2, ufp.Action{Type: ufp.ActionCount}))
	require.NoError(t, err)
	idx := fx.counterIndex(t, res.FlowID)

	ids := fx.m.CounterIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, counter.ID{Flow: res.FlowID, Dir: ufp.DirRX, Index: idx}, ids[0])

	st, err := fx.m.QueryCount(fx.ctx, res.FlowID)
	require.NoError(t, err)
	assert.Zero(t, st.Packets, "not polled yet")

	const v1 = 1<<36 - 10
	require.NoError(t, fx.fac.SetTblEntry(fx.ctx, ufp.DirRX, tf.TableStats, idx, counter.Encode(v1, 1000)))
	require.NoError(t, fx.m.PollCounters(fx.ctx))
	first, err := fx.m.QueryCount(fx.ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(v1), first.Packets)

	require.NoError(t, fx.fac.SetTblEntry(fx.ctx, ufp.DirRX, tf.TableStats, idx, counter.Encode(5, 1500)))
	require.NoError(t, fx.m.PollCounters(fx.ctx))
	second, err := fx.m.QueryCount(fx.ctx, res.FlowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), second.Packets-first.Packets)
	assert.Equal(t, uint64(500), second.Bytes-first.Bytes)
	assert.False(t, second.LastUsed.IsZero())

	total, polls := fx.m.CounterTotals()
	assert.Equal(t, second.Packets, total.Packets)
	assert.Equal(t, uint64(2), polls)

	_, err = fx.m.QueryCount(fx.ctx, 99)
	assert.True(t, errors.Is(err, ufp.ErrNotFound))
}

func TestSharedCounterCountsForEveryFlow(t *testing.T) {
	fx := newFixture(t)

	a, err := fx.m.Install(fx.ctx, udpRule(2, ufp.Action{Type: ufp.ActionCount}))
	require.NoError(t, err)
	b, err := fx.m.Install(fx.ctx, udpRule(2, ufp.Action{Type: ufp.ActionCount}))
	require.NoError(t, err)
	idx := fx.counterIndex(t, a.FlowID)
	require.Equal(t, idx, fx.counterIndex(t, b.FlowID), "identical rules share the cached counter")

	assert.ElementsMatch(t, []counter.ID{
		{Flow: a.FlowID, Dir: ufp.DirRX, Index: idx},
		{Flow: b.FlowID, Dir: ufp.DirRX, Index: idx},
	}, fx.m.CounterIDs())

	require.NoError(t, fx.fac.SetTblEntry(fx.ctx, ufp.DirRX, tf.TableStats, idx, counter.Encode(9, 900)))
	require.NoError(t, fx.m.PollCounters(fx.ctx))
	for _, fid := range []ufp.FlowID{a.FlowID, b.FlowID} {
		st, err := fx.m.QueryCount(fx.ctx, fid)
		require.NoError(t, err)
		assert.Equal(t, uint64(9), st.Packets, "flow %d", fid)
	}
	total, _ := fx.m.CounterTotals()
	assert.Equal(t, uint64(9), total.Packets)

	require.NoError(t, fx.m.Uninstall(fx.ctx, a.FlowID))
	require.NoError(t, fx.fac.SetTblEntry(fx.ctx, ufp.DirRX, tf.TableStats, idx, counter.Encode(10, 1000)))
	require.NoError(t, fx.m.PollCounters(fx.ctx))
	st, err := fx.m.QueryCount(fx.ctx, b.FlowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.Packets)
}

func TestCounterTaskPolls(t *testing.T) {
	fx := newFixture(t, func(o *manager.Options) {
		o.Counters = counter.Config{Interval: 5 * time.Millisecond}
	})

	res, err := fx.m.Install(fx.ctx, udpRule(2, ufp.Action{Type: ufp.ActionCount}))
	require.NoError(t, err)
	idx := fx.counterIndex(t, res.FlowID)
	require.NoError(t, fx.fac.SetTblEntry(fx.ctx, ufp.DirRX, tf.TableStats, idx, counter.Encode(7, 700)))

	assert.Eventually(t, func() bool {
		st, err := fx.m.QueryCount(fx.ctx, res.FlowID)
		return err == nil && st.Packets == 7
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.m.Close(fx.ctx), "close stops the task")
}

func TestUsage(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.m.Install(fx.ctx, udpRule(2))
	require.NoError(t, err)
	_, err = fx.m.Install(fx.ctx, udpRule(3))
	require.NoError(t, err)

	u := fx.m.Usage()
	assert.Equal(t, 256, u.FlowCapacity)
	assert.Equal(t, 2, u.FlowsByType[ufp.FlowTypeRegular])
	assert.Equal(t, u.Flows, u.FlowsByType[ufp.FlowTypeRegular]+u.FlowsByType[ufp.FlowTypeRID])

	inUse := 0
	for _, tu := range u.Tables {
		inUse += tu.InUse
		assert.LessOrEqual(t, tu.InUse, tu.Capacity)
	}
	assert.Positive(t, inUse)
}

func TestFirmwareBackedFacility(t *testing.T) {
	dev := sim.New(sim.DefaultConfig())
	client := fw.NewClient(dev.Transport(), time.Second, nil)
	m, err := manager.Open(context.Background(), manager.Options{
		Device:   "sim0",
		LockDir:  t.TempDir(),
		NumPorts: 8,
		MaxFlows: 64,
		Marks:    markdb.Config{LFIDEntries: 128},
		Facility: fwtf.New(client),
		Firmware: client,
		Logger:   testLogger(t),
	})
	require.NoError(t, err)

	res, err := m.Install(context.Background(), udpRule(2))
	require.NoError(t, err)
	assert.Equal(t, 1, dev.Facility().OutstandingOf(ufp.ResourceFuncEMTable, ufp.DirRX, uint16(tf.EMInternal)))

	require.NoError(t, m.Uninstall(context.Background(), res.FlowID))
	require.NoError(t, m.Close(context.Background()))
	assert.Empty(t, dev.Facility().Outstanding())
}
