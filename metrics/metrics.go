// Package metrics exports the state of a ULP context to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/manager"
)

const metricNamespace = "ufp"

// UsageSource is satisfied by *manager.Manager.
type UsageSource interface {
	Device() string
	Usage() manager.Usage
}

var (
	descFlows = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "", "flows"),
		"Flows held in the flow database, by flow type.",
		[]string{"device", "type"}, nil)
	descFlowCapacity = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "", "flow_capacity"),
		"Size of the flow database.",
		[]string{"device"}, nil)
	descResources = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "", "resource_records"),
		"Resource records held by flows, by resource function.",
		[]string{"device", "func"}, nil)
	descTableInUse = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "generic_table", "entries"),
		"In-use entries of a generic table.",
		[]string{"device", "dir", "table"}, nil)
	descTableCapacity = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "generic_table", "capacity"),
		"Entries a generic table can hold.",
		[]string{"device", "dir", "table"}, nil)
	descMarks = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "", "marks"),
		"Valid mark slots, by table.",
		[]string{"device", "table"}, nil)
	descPackets = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "counter", "packets_total"),
		"Packets accumulated over every tracked flow counter.",
		[]string{"device"}, nil)
	descBytes = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "counter", "bytes_total"),
		"Bytes accumulated over every tracked flow counter.",
		[]string{"device"}, nil)
	descPolls = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "counter", "polls_total"),
		"Counter polls run.",
		[]string{"device"}, nil)
)

// Collector reads a context's usage at scrape time.
type Collector struct {
	src UsageSource
}

// NewCollector returns a collector over src.
func NewCollector(src UsageSource) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descFlows, descFlowCapacity, descResources,
		descTableInUse, descTableCapacity, descMarks,
		descPackets, descBytes, descPolls,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	dev := c.src.Device()
	u := c.src.Usage()

	for _, t := range []ufp.FlowType{
		ufp.FlowTypeRegular, ufp.FlowTypeDefault, ufp.FlowTypeParent, ufp.FlowTypeChild, ufp.FlowTypeRID,
	} {
		ch <- prometheus.MustNewConstMetric(descFlows, prometheus.GaugeValue, float64(u.FlowsByType[t]), dev, t.String())
	}
	ch <- prometheus.MustNewConstMetric(descFlowCapacity, prometheus.GaugeValue, float64(u.FlowCapacity), dev)
	for fn, n := range u.Resources {
		ch <- prometheus.MustNewConstMetric(descResources, prometheus.GaugeValue, float64(n), dev, fn.String())
	}
	for _, t := range u.Tables {
		ch <- prometheus.MustNewConstMetric(descTableInUse, prometheus.GaugeValue, float64(t.InUse), dev, t.Direction.String(), t.Table)
		ch <- prometheus.MustNewConstMetric(descTableCapacity, prometheus.GaugeValue, float64(t.Capacity), dev, t.Direction.String(), t.Table)
	}
	ch <- prometheus.MustNewConstMetric(descMarks, prometheus.GaugeValue, float64(u.LFIDMarks), dev, "lfid")
	ch <- prometheus.MustNewConstMetric(descMarks, prometheus.GaugeValue, float64(u.GFIDMarks), dev, "gfid")
	ch <- prometheus.MustNewConstMetric(descPackets, prometheus.CounterValue, float64(u.Counters.Packets), dev)
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(u.Counters.Bytes), dev)
	ch <- prometheus.MustNewConstMetric(descPolls, prometheus.CounterValue, float64(u.CounterPolls), dev)
}

// Ops counts service operations by name and outcome.
type Ops struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewOps returns unregistered operation metrics.
func NewOps() *Ops {
	return &Ops{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "operations_total",
				Help:      "Service operations, by operation and result kind.",
			},
			[]string{"op", "result"}),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      "operation_duration_seconds",
				Help:      "Service operation latency.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"op"}),
	}
}

// Observe records one operation. A nil err is counted as "ok".
func (o *Ops) Observe(op string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = ufp.KindOf(err).String()
	}
	o.calls.WithLabelValues(op, result).Inc()
	o.latency.WithLabelValues(op).Observe(seconds)
}

// Register adds the collector for src and the operation metrics to reg.
func Register(reg prometheus.Registerer, src UsageSource, ops *Ops) error {
	for _, c := range []prometheus.Collector{NewCollector(src), ops.calls, ops.latency} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
