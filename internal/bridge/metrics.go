package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginebridge_foreign_ops_total",
		Help: "Foreign operations issued by the adapter, by op and result.",
	}, []string{"op", "status"})

	applyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "enginebridge_write_batch_duration_seconds",
		Help:    "Wall time of write batch round trips across the boundary.",
		Buckets: prometheus.DefBuckets,
	})

	snapshotBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginebridge_snapshot_bytes_total",
		Help: "Compressed snapshot chunk bytes handed to the engine.",
	})

	snapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "enginebridge_snapshot_duration_seconds",
		Help:    "End-to-end duration of snapshot transfers, including the apply ack.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
