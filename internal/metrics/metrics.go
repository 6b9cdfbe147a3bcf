package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_healer"

// Step outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

var (
	sessionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Healing sessions created, partitioned by failure category.",
		},
		[]string{"category"},
	)

	sessionsJoinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_joined_total",
			Help:      "Failure events merged into an already active session.",
		},
	)

	sessionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Healing sessions that reached a terminal state.",
		},
		[]string{"state", "category"},
	)

	sessionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_seconds",
			Help:      "Wall-clock time from session creation to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"state"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently in a non-terminal state.",
		},
	)

	stepCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_commands_total",
			Help:      "Remediation commands executed, partitioned by step kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	oracleRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Remediation plan requests, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval gate resolutions (approved, denied, timed_out, cancelled).",
		},
		[]string{"outcome"},
	)

	observerDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_dropped_events_total",
			Help:      "Lifecycle events dropped because an observer queue was full.",
		},
		[]string{"observer"},
	)
)

// Register attaches healer collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		sessionsStartedTotal,
		sessionsJoinedTotal,
		sessionsFinishedTotal,
		sessionDurationSeconds,
		activeSessions,
		stepCommandsTotal,
		oracleRequestsTotal,
		approvalsTotal,
		observerDropsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// SessionStarted counts a new session and bumps the active gauge.
func SessionStarted(category string) {
	sessionsStartedTotal.WithLabelValues(category).Inc()
	activeSessions.Inc()
}

// SessionJoined counts a duplicate event merged into an active session.
func SessionJoined() {
	sessionsJoinedTotal.Inc()
}

// SessionFinished records the terminal state and duration of a session.
func SessionFinished(state, category string, duration time.Duration) {
	sessionsFinishedTotal.WithLabelValues(state, category).Inc()
	if duration < 0 {
		duration = 0
	}
	sessionDurationSeconds.WithLabelValues(state).Observe(duration.Seconds())
	activeSessions.Dec()
}

// StepCommand records one executed command.
func StepCommand(kind string, success bool) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailure
	}
	stepCommandsTotal.WithLabelValues(kind, outcome).Inc()
}

// OracleRequest records the outcome of a plan request.
func OracleRequest(err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	oracleRequestsTotal.WithLabelValues(outcome).Inc()
}

// Approval records how an approval gate was resolved.
func Approval(outcome string) {
	approvalsTotal.WithLabelValues(outcome).Inc()
}

// ObserverDropped counts an event that did not fit an observer's queue.
func ObserverDropped(observer string) {
	observerDropsTotal.WithLabelValues(observer).Inc()
}
