package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/downfa11-org/deebee/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(OperationsTotal, OperationLatency, LiveKeys, Segments, Rotations)
	prometheus.MustRegister(Compactions, CompactionDropped, RecoveredRecords, TruncatedBytes)
}

// StartMetricsServer serves /metrics on port in the background. The returned
// server can be shut down by the caller.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		util.Info("prometheus exporter listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("failed to start metrics server: %v", err)
		}
	}()
	return srv
}

// SetStorageGauges publishes the current index and segment sizes.
func SetStorageGauges(liveKeys, segments int) {
	LiveKeys.Set(float64(liveKeys))
	Segments.Set(float64(segments))
}
