// Package metrics exports iterflow progress snapshots as Prometheus metrics.
//
// Each progress callback is bound to a stage label, so one registry can follow
// every stage of a pipeline:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	rows, err := iterflow.Decode(ctx, open, dec, iterflow.WithProgress(m.Progress("decode"), 0))
//
//	http.Handle("/metrics", promhttp.Handler())
package metrics

import (
	"github.com/gophersatwork/iterflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "iterflow"

// Metrics holds the stage gauges.
type Metrics struct {
	ItemsProcessed *prometheus.GaugeVec
	BytesProcessed *prometheus.GaugeVec
	ItemsPerSecond *prometheus.GaugeVec
	Ratio          *prometheus.GaugeVec

	GroupItems  *prometheus.GaugeVec
	GroupBytes  *prometheus.GaugeVec
	GroupGroups *prometheus.GaugeVec

	HeapAlloc prometheus.Gauge
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ItemsProcessed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_processed",
			Help:      "Items processed by the current run of a stage",
		}, []string{"stage"}),
		BytesProcessed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_processed",
			Help:      "Bytes read or written by the current run of a stage",
		}, []string{"stage"}),
		ItemsPerSecond: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_per_second",
			Help:      "Item throughput of a stage",
		}, []string{"stage"}),
		Ratio: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_ratio",
			Help:      "Processed fraction of a source with a known size",
		}, []string{"stage"}),

		GroupItems: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "groupby",
			Name:      "items",
			Help:      "Items spilled or read back by a group-by, per phase",
		}, []string{"stage", "phase"}),
		GroupBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "groupby",
			Name:      "bytes",
			Help:      "Spill bytes written or read back by a group-by, per phase",
		}, []string{"stage", "phase"}),
		GroupGroups: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "groupby",
			Name:      "groups",
			Help:      "Distinct keys seen or groups emitted by a group-by, per phase",
		}, []string{"stage", "phase"}),

		HeapAlloc: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_alloc_bytes",
			Help:      "Heap allocation at the last progress report",
		}),
	}
}

// Progress returns a callback that records snapshots under stage.
func (m *Metrics) Progress(stage string) iterflow.ProgressFunc {
	return func(s iterflow.Snapshot) {
		m.ItemsProcessed.WithLabelValues(stage).Set(float64(s.ItemsProcessed))
		m.BytesProcessed.WithLabelValues(stage).Set(float64(s.BytesProcessed))
		m.ItemsPerSecond.WithLabelValues(stage).Set(s.ItemsPerSecond)
		if ratio, ok := s.Ratio(); ok {
			m.Ratio.WithLabelValues(stage).Set(ratio)
		}
		m.HeapAlloc.Set(float64(s.HeapAlloc))
	}
}

// GroupProgress returns a callback that records group-by snapshots under stage.
func (m *Metrics) GroupProgress(stage string) iterflow.GroupProgressFunc {
	return func(s iterflow.GroupSnapshot) {
		grouping, reading := string(iterflow.GroupGrouping), string(iterflow.GroupReading)

		m.GroupItems.WithLabelValues(stage, grouping).Set(float64(s.GroupedItems))
		m.GroupBytes.WithLabelValues(stage, grouping).Set(float64(s.GroupedBytes))
		m.GroupGroups.WithLabelValues(stage, grouping).Set(float64(s.GroupedGroups))

		m.GroupItems.WithLabelValues(stage, reading).Set(float64(s.ReadItems))
		m.GroupBytes.WithLabelValues(stage, reading).Set(float64(s.ReadBytes))
		m.GroupGroups.WithLabelValues(stage, reading).Set(float64(s.ReadGroups))

		m.HeapAlloc.Set(float64(s.HeapAlloc))
	}
}
