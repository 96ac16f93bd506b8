package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// StatsProvider reports the introspection counts served on /stats.
type StatsProvider interface {
	Stats(ctx context.Context) (models.Stats, error)
}

// HealthChecker reports whether the service can reach its dependencies.
type HealthChecker func(ctx context.Context) error

// NewHTTPHandler serves /metrics, /healthz and /stats.
func NewHTTPHandler(gatherer prometheus.Gatherer, stats StatsProvider, healthy HealthChecker, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := healthy(ctx); err != nil {
				logger.Warn("health check failed", slog.Any("error", err))
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s, err := stats.Stats(r.Context())
		if err != nil {
			logger.Error("stats failed", slog.Any("error", err))
			http.Error(w, "failed to collect stats", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			logger.Warn("stats encode failed", slog.Any("error", err))
		}
	})

	return otelhttp.NewHandler(mux, "remediator-http")
}
