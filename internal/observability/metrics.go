package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects turn, tool, frame and checkpoint metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
type Metrics struct {
	// Turns counts finished turns.
	// Labels: outcome (completed|suspended|failed|cancelled)
	Turns *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ActiveTurns is the number of turns holding a concurrency slot.
	ActiveTurns prometheus.Gauge

	// ToolCalls counts tool invocations.
	// Labels: origin (local|tool-server|remote-agent), status (success|error|timeout)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool latency in seconds.
	// Labels: origin
	ToolCallDuration *prometheus.HistogramVec

	// Frames counts emitted stream frames.
	// Labels: kind
	Frames *prometheus.CounterVec

	// CheckpointOps counts checkpoint store operations.
	// Labels: op (append|latest|get|history|delete), status (success|error)
	CheckpointOps *prometheus.CounterVec
}

// NewMetrics registers the metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_turns_total",
			Help: "Finished conversation turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_turn_duration_seconds",
			Help:    "Turn latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_turns",
			Help: "Turns currently executing.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_tool_calls_total",
			Help: "Tool invocations by origin and status.",
		}, []string{"origin", "status"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_tool_call_duration_seconds",
			Help:    "Tool invocation latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"origin"}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_frames_total",
			Help: "Stream frames emitted by kind.",
		}, []string{"kind"}),
		CheckpointOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_checkpoint_ops_total",
			Help: "Checkpoint store operations by op and status.",
		}, []string{"op", "status"}),
	}
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

func (m *Metrics) TurnFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ToolCall(origin, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(origin, status).Inc()
	m.ToolCallDuration.WithLabelValues(origin).Observe(elapsed.Seconds())
}

func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) CheckpointOp(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CheckpointOps.WithLabelValues(op, status).Inc()
}
