package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProviderHealth is one provider's line in the health report.
type ProviderHealth struct {
	ID      string `json:"id"`
	Healthy bool   `json:"healthy"`
	Breaker string `json:"breaker"`
}

// HealthInfo is the GET /health response body.
type HealthInfo struct {
	Status      string           `json:"status"` // ok | degraded
	Version     string           `json:"version"`
	Uptime      float64          `json:"uptime"` // seconds
	Providers   []ProviderHealth `json:"providers"`
	Agents      int              `json:"agents"`
	Connections int              `json:"connections"`
	Timestamp   time.Time        `json:"timestamp"`
}

// StatusFunc assembles the current health snapshot.
type StatusFunc func() HealthInfo

// HealthHandler serves GET /health.
func HealthHandler(status StatusFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := status()
		info.Timestamp = time.Now().UTC()

		w.Header().Set("Content-Type", "application/json")
		if info.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(info)
	})
}

// HealthMux mounts /health and /metrics.
func HealthMux(status StatusFunc, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", HealthHandler(status))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
