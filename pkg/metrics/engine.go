package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deebee_operations_total",
		Help: "Total number of engine operations by type and result",
	}, []string{"op", "result"}) // get, set, delete; ok, miss, error

	OperationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deebee_operation_latency_seconds",
		Help:    "Histogram of engine operation latency",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"op"})

	LiveKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deebee_live_keys",
		Help: "Number of keys currently held by the in-memory index",
	})

	Segments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deebee_segments",
		Help: "Number of segment files, active segment included",
	})

	Rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deebee_segment_rotations_total",
		Help: "Total number of active segment rotations",
	})

	Compactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deebee_compactions_total",
		Help: "Total number of compaction runs by result",
	}, []string{"result"}) // ok, noop, cancelled, error

	CompactionDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deebee_compaction_dropped_records_total",
		Help: "Total number of superseded records and tombstones dropped by compaction",
	})

	RecoveredRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deebee_recovered_records_total",
		Help: "Total number of records replayed during recovery",
	})

	TruncatedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deebee_truncated_bytes_total",
		Help: "Total number of damaged tail bytes discarded during recovery",
	})
)

// ObserveOp records one engine operation.
func ObserveOp(op, result string, seconds float64) {
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(seconds)
}
