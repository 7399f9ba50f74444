// Package metrics holds the Prometheus collectors for sessions, redraw
// cycles and the control surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsCrashed prometheus.Counter

	// Redraw metrics
	RedrawStarted   *prometheus.CounterVec
	RedrawCompleted *prometheus.CounterVec
	RedrawAborted   *prometheus.CounterVec
	RedrawDropped   *prometheus.CounterVec

	// gRPC metrics
	GRPCCalls    *prometheus.CounterVec
	GRPCDuration *prometheus.HistogramVec

	// Journal metrics
	JournalDropped prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "termcore_sessions_active",
			Help: "Number of sessions currently running",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsCrashed: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_sessions_crashed_total",
			Help: "Total number of sessions whose program failed to start or crashed",
		}),

		RedrawStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termcore_redraw_cycles_started_total",
			Help: "Redraw correction cycles started after a resize",
		}, []string{"shell"}),
		RedrawCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termcore_redraw_cycles_completed_total",
			Help: "Redraw correction cycles that reached the end of the sequence",
		}, []string{"shell"}),
		RedrawAborted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termcore_redraw_cycles_aborted_total",
			Help: "Redraw correction cycles abandoned before completion",
		}, []string{"shell", "reason"}),
		RedrawDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termcore_redraw_blocks_dropped_total",
			Help: "Output blocks suppressed by the redraw engine",
		}, []string{"shell", "step"}),

		GRPCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termcore_grpc_calls_total",
			Help: "Total number of gRPC calls",
		}, []string{"method", "code"}),
		GRPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "termcore_grpc_call_duration_seconds",
			Help:    "gRPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		JournalDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "termcore_journal_dropped_total",
			Help: "Journal events dropped because the write buffer was full",
		}),
	}
}

// SessionStarted records a running session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// SessionFinished records a session leaving the running state.
func (m *Metrics) SessionFinished(crashed bool) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	if crashed {
		m.SessionsCrashed.Inc()
	}
}

// SessionCrashedOnStart records a spawn failure. The session never counted as active.
func (m *Metrics) SessionCrashedOnStart() {
	if m == nil {
		return
	}
	m.SessionsCrashed.Inc()
}

// CycleStarted records the start of a redraw cycle.
func (m *Metrics) CycleStarted(shell string) {
	if m == nil {
		return
	}
	m.RedrawStarted.WithLabelValues(shell).Inc()
}

// CycleCompleted records a redraw cycle that ran to completion.
func (m *Metrics) CycleCompleted(shell string) {
	if m == nil {
		return
	}
	m.RedrawCompleted.WithLabelValues(shell).Inc()
}

// CycleAborted records an abandoned redraw cycle.
func (m *Metrics) CycleAborted(shell, reason string) {
	if m == nil {
		return
	}
	m.RedrawAborted.WithLabelValues(shell, reason).Inc()
}

// BlockDropped records an output block suppressed in the given step.
func (m *Metrics) BlockDropped(shell, step string) {
	if m == nil {
		return
	}
	m.RedrawDropped.WithLabelValues(shell, step).Inc()
}

// RecordGRPC records one gRPC call.
func (m *Metrics) RecordGRPC(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.GRPCCalls.WithLabelValues(method, code).Inc()
	m.GRPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

// JournalEventDropped records a journal event lost to a full buffer.
func (m *Metrics) JournalEventDropped() {
	if m == nil {
		return
	}
	m.JournalDropped.Inc()
}
