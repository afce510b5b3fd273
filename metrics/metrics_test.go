package metrics_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/metrics"
)

type fakeSource struct {
	u manager.Usage
}

func (f fakeSource) Device() string       { return "sim0" }
func (f fakeSource) Usage() manager.Usage { return f.u }

func usage() manager.Usage {
	return manager.Usage{
		Flows:        3,
		FlowCapacity: 256,
		FlowsByType:  map[ufp.FlowType]int{ufp.FlowTypeRegular: 1, ufp.FlowTypeRID: 2},
		Resources: map[ufp.ResourceFunc]int{
			ufp.ResourceFuncTCAMTable:    2,
			ufp.ResourceFuncGenericTable: 3,
		},
		Tables: []manager.TableUsage{
			{Direction: ufp.DirRX, Table: "flow_cache", InUse: 1, Capacity: 4096},
			{Direction: ufp.DirTX, Table: "flow_cache", InUse: 0, Capacity: 4096},
		},
		LFIDMarks:    1,
		Counters:     counter.Stats{Packets: 15, Bytes: 1500},
		CounterPolls: 4,
	}
}

// find returns the metric of family name whose labels include want.
func find(t *testing.T, fams []*dto.MetricFamily, name string, want map[string]string) *dto.Metric {
	t.Helper()
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue next
				}
			}
			return m
		}
	}
	require.FailNow(t, "metric not found", "%s %v", name, want)
	return nil
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, metrics.Register(reg, fakeSource{usage()}, metrics.NewOps()))

	fams, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, 1.0, find(t, fams, "ufp_flows", map[string]string{"type": "regular"}).GetGauge().GetValue())
	assert.Equal(t, 2.0, find(t, fams, "ufp_flows", map[string]string{"type": "rid"}).GetGauge().GetValue())
	assert.Equal(t, 0.0, find(t, fams, "ufp_flows", map[string]string{"type": "parent"}).GetGauge().GetValue())
	assert.Equal(t, 256.0, find(t, fams, "ufp_flow_capacity", nil).GetGauge().GetValue())
	assert.Equal(t, 1.0, find(t, fams, "ufp_generic_table_entries",
		map[string]string{"dir": "rx", "table": "flow_cache"}).GetGauge().GetValue())
	assert.Equal(t, 1.0, find(t, fams, "ufp_marks", map[string]string{"table": "lfid"}).GetGauge().GetValue())
	assert.Equal(t, 15.0, find(t, fams, "ufp_counter_packets_total", nil).GetCounter().GetValue())
	assert.Equal(t, 4.0, find(t, fams, "ufp_counter_polls_total", nil).GetCounter().GetValue())

	assert.Equal(t, 5, testutil.CollectAndCount(metrics.NewCollector(fakeSource{usage()}), "ufp_flows"))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.NewCollector(fakeSource{usage()}), "ufp_resource_records"))
}

func TestCollectorLints(t *testing.T) {
	problems, err := testutil.CollectAndLint(metrics.NewCollector(fakeSource{usage()}))
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestOps(t *testing.T) {
	reg := prometheus.NewRegistry()
	ops := metrics.NewOps()
	require.NoError(t, metrics.Register(reg, fakeSource{usage()}, ops))

	ops.Observe("install", 0.001, nil)
	ops.Observe("install", 0.002, ufp.ErrFlowBusy{FlowID: 1, Children: 1})
	ops.Observe("install", 0.002, errors.New("boom"))

	fams, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, find(t, fams, "ufp_operations_total",
		map[string]string{"op": "install", "result": "ok"}).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, fams, "ufp_operations_total",
		map[string]string{"op": "install", "result": ufp.KindBusy.String()}).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, fams, "ufp_operations_total",
		map[string]string{"op": "install", "result": ufp.KindInternal.String()}).GetCounter().GetValue())
	assert.Equal(t, uint64(3), find(t, fams, "ufp_operation_duration_seconds",
		map[string]string{"op": "install"}).GetHistogram().GetSampleCount())
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg, fakeSource{usage()}, metrics.NewOps()))
	assert.Error(t, metrics.Register(reg, fakeSource{usage()}, metrics.NewOps()))
}
