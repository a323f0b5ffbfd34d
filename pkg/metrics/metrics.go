// Package metrics registers the engine's Prometheus collectors. Served via
// promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TurnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_turns_total",
		Help: "Turns processed, labeled by terminal outcome.",
	}, []string{"outcome"})

	HandlerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_handler_call_seconds",
		Help:    "Wall time of outbound handler invocations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"handler", "result"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatrelay_breaker_state",
		Help: "Circuit breaker state per handler (0 closed, 1 open, 2 half-open).",
	}, []string{"handler"})

	RelayBufferedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_relay_buffered_bytes",
		Help: "Bytes currently held in relay buffers across active streams.",
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_events_dropped_total",
		Help: "Lifecycle events dropped because the fanout queue was full.",
	})
)

func init() {
	prometheus.MustRegister(TurnsTotal, HandlerLatency, breakerState, RelayBufferedBytes, EventsDropped)
}

// SetBreakerState records a breaker transition for the given handler.
func SetBreakerState(handler string, state int) {
	breakerState.WithLabelValues(handler).Set(float64(state))
}
