package sequencer

import "github.com/prometheus/client_golang/prometheus"

// Reasons an event is dropped without a transition.
const (
	dropUnknownSession = "unknown_session"
	dropStale          = "stale"
	dropEnded          = "ended"
	dropClosed         = "closed"
)

var (
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bleseq_sessions_active",
			Help: "Number of sessions currently in a non-terminal step.",
		},
		[]string{"procedure"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleseq_transitions_total",
			Help: "Accepted step transitions, by destination step.",
		},
		[]string{"procedure", "to"},
	)

	sessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleseq_sessions_terminated_total",
			Help: "Sessions destroyed, by outcome.",
		},
		[]string{"procedure", "outcome"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleseq_events_dropped_total",
			Help: "Completion events discarded without a transition, by reason.",
		},
		[]string{"procedure", "reason"},
	)

	invokeRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleseq_invoke_rejected_total",
			Help: "Remote calls the transport refused synchronously.",
		},
		[]string{"procedure", "action"},
	)

	observerDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleseq_observer_dropped_total",
			Help: "Notices an async observer dropped because its buffer was full or it was closed.",
		},
		[]string{"observer"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleseq_step_duration_seconds",
			Help:    "Time from entering a step to its accepted completion.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"procedure", "step"},
	)
)

func init() {
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(sessionsTerminated)
	prometheus.MustRegister(eventsDropped)
	prometheus.MustRegister(invokeRejected)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(observerDropped)
}
