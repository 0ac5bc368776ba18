// Package ops serves the operational endpoints: Prometheus metrics,
// health, and a small stats snapshot. The resolution core itself has no
// network surface; this is plumbing for running it as a process.
package ops

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/kinship/pkg/logger"
	"github.com/okian/kinship/pkg/metrics"
)

// Stats is implemented by the engine to expose a point-in-time snapshot.
type Stats interface {
	GetStats(ctx context.Context) map[string]interface{}
}

// Register mounts the operational routes on mux.
func Register(mux *http.ServeMux, stats Stats) {
	log := logger.Get().Named("ops")

	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/statz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.GetStats(r.Context())); err != nil {
			log.Error(r.Context(), "stats encode failed", logger.Error(err))
		}
	})
}
