// Package metrics declares the Prometheus collectors for the turn pipeline
// and the HTTP handler that exposes them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeReset = "reset"
	OutcomeError = "error"
)

var (
	// TurnsTotal counts completed turns by outcome: ok, reset, error.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontdoor_turns_total",
		Help: "Conversation turns by outcome",
	}, []string{"outcome"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "frontdoor_turn_duration_seconds",
		Help:    "Wall time of one conversation turn",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	BehaviorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontdoor_behavior_runs_total",
		Help: "Behavior invocations by node",
	}, []string{"node"})

	// ModelCallsTotal labels: kind is structured or text, outcome is ok or error.
	ModelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontdoor_model_calls_total",
		Help: "Model collaborator calls by kind and outcome",
	}, []string{"kind", "outcome"})

	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontdoor_fallbacks_total",
		Help: "Fail-soft replies produced after a collaborator failure, by behavior",
	}, []string{"behavior"})

	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontdoor_submissions_total",
		Help: "Request submissions by outcome",
	}, []string{"outcome"})

	ModeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontdoor_mode_transitions_total",
		Help: "Mode changes across a turn",
	}, []string{"from", "to"})

	// ReceiptsTotal counts channel delivery receipts by status: sent,
	// delivered, read, or dropped when nobody kept up with the channel.
	ReceiptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frontdoor_channel_receipts_total",
		Help: "Channel delivery receipts by status",
	}, []string{"status"})
)

// ReceiptDropped labels receipts discarded because the channel was full.
const ReceiptDropped = "dropped"

// ObserveReceipt records one delivery receipt.
func ObserveReceipt(status string) {
	ReceiptsTotal.WithLabelValues(status).Inc()
}

// ObserveTurn records one finished turn.
func ObserveTurn(outcome string, elapsed time.Duration) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	TurnDuration.Observe(elapsed.Seconds())
}

// ObserveModelCall records one model call.
func ObserveModelCall(kind string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	ModelCallsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveModeChange records a mode transition. Unchanged modes are ignored.
func ObserveModeChange(from, to string) {
	if from == to {
		return
	}
	ModeTransitionsTotal.WithLabelValues(from, to).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
