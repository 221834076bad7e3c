package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Chat metrics
	ChatRequests        *prometheus.CounterVec
	ChatRequestLatency  prometheus.Histogram
	ChatErrors          *prometheus.CounterVec
	StreamEvents        *prometheus.CounterVec
	StreamEventsDropped prometheus.Counter

	// Memory metrics
	Consolidations *prometheus.CounterVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		// Chat requests by routed agent
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "healthguard_chat_requests_total",
			Help: "Total number of chat requests by routed agent",
		}, []string{"agent"}),

		// Chat request latency histogram
		ChatRequestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "healthguard_chat_request_duration_seconds",
			Help:    "Chat request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		// Chat errors by type
		ChatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "healthguard_chat_errors_total",
			Help: "Total number of chat errors by type",
		}, []string{"error_type"}),

		// Stream events by type
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "healthguard_stream_events_total",
			Help: "Total number of SSE events emitted by type",
		}, []string{"type"}),

		// Events dropped because the client could not keep up
		StreamEventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "healthguard_stream_events_dropped_total",
			Help: "Total number of SSE events dropped after the emit grace period",
		}),

		// Consolidation runs by result
		Consolidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "healthguard_consolidations_total",
			Help: "Total number of memory consolidation runs by result",
		}, []string{"result"}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance, which may be nil in tests.
func GetMetrics() *Metrics {
	return globalMetrics
}
