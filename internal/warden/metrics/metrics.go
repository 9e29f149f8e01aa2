// Package metrics defines the prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the gateway records.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	FailoversTotal   prometheus.Counter
	BlockedToolCalls prometheus.Counter
	RequestLatency   *prometheus.HistogramVec

	ActiveSessions   prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
	AuditBufferDepth prometheus.Gauge
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_total",
			Help:      "Frames handled, by frame type.",
		}, []string{"type"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "llm_retries_total",
			Help:      "Provider call retries.",
		}),
		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "llm_failovers_total",
			Help:      "Provider failovers.",
		}),
		BlockedToolCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "blocked_tool_calls_total",
			Help:      "Tool calls blocked by policy.",
		}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "request_latency_seconds",
			Help:      "LLM request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_sessions",
			Help:      "Connected WebSocket clients.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_workers",
			Help:      "Live agent workers.",
		}),
		AuditBufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "audit_buffer_depth",
			Help:      "Audit entries waiting for flush.",
		}),
	}
}
