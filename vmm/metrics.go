package vmm

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the snapshot-path collectors. Pass a nil registerer for an
// unregistered set.
type Metrics struct {
	CapturesTotal  prometheus.Counter
	CaptureBytes   prometheus.Counter
	CaptureSeconds prometheus.Histogram
	DirtyPages     prometheus.Counter
	RestoresTotal  prometheus.Counter
	RestoreSeconds prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CapturesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gopc", Subsystem: "snapshot",
			Name: "captures_total",
			Help: "Snapshot captures attempted.",
		}),
		CaptureBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gopc", Subsystem: "snapshot",
			Name: "capture_bytes_total",
			Help: "Bytes written by snapshot captures.",
		}),
		CaptureSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gopc", Subsystem: "snapshot",
			Name:    "capture_seconds",
			Help:    "Wall time of one capture.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		DirtyPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gopc", Subsystem: "snapshot",
			Name: "dirty_pages_total",
			Help: "RAM pages carried by incremental captures.",
		}),
		RestoresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gopc", Subsystem: "snapshot",
			Name: "restores_total",
			Help: "Snapshot restores attempted.",
		}),
		RestoreSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gopc", Subsystem: "snapshot",
			Name:    "restore_seconds",
			Help:    "Wall time of one restore.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CapturesTotal, m.CaptureBytes, m.CaptureSeconds,
			m.DirtyPages, m.RestoresTotal, m.RestoreSeconds,
		)
	}

	return m
}
