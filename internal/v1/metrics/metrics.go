package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the experiment session engine.
//
// Naming convention: namespace_subsystem_name
// - namespace: experiment_engine (application-level grouping)
// - subsystem: transport, game, session, matchmaker, probe, loading_gate,
//   rate_limit, circuit_breaker, redis (feature-level grouping)
// - name: specific metric (connections_active, decisions_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, active games, waiting subjects)
// - Counter: Cumulative events (decisions made, probes resolved, cleanups run)
// - Histogram: Latency distributions (broadcast duration, processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "experiment_engine",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WebsocketEvents tracks the total number of WebSocket events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "transport",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks time spent processing WebSocket messages.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "experiment_engine",
		Subsystem: "transport",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ActiveGames tracks the current number of running games, per scene.
	ActiveGames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "experiment_engine",
		Subsystem: "game",
		Name:      "active",
		Help:      "Current number of running games per scene",
	}, []string{"scene_id"})

	// WaitingSubjects tracks the current number of subjects waiting to be matched, per scene.
	WaitingSubjects = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "experiment_engine",
		Subsystem: "game",
		Name:      "waiting_subjects",
		Help:      "Current number of subjects waiting to be matched per scene",
	}, []string{"scene_id"})

	// SessionsActive tracks the number of ParticipantSessions SessionRegistry
	// currently tracks, connected or within reconnection grace.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "experiment_engine",
		Subsystem: "session",
		Name:      "active",
		Help:      "Current number of tracked participant sessions",
	})

	// CleanupInvocations counts cleanup_game runs, labeled by the end reason.
	CleanupInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "game",
		Name:      "cleanups_total",
		Help:      "Total number of cleanup_game invocations",
	}, []string{"reason"})

	// BroadcastDuration tracks how long a game state broadcast takes to fan out.
	BroadcastDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "experiment_engine",
		Subsystem: "game",
		Name:      "broadcast_duration_seconds",
		Help:      "Time spent broadcasting a game state to all seats",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1},
	}, []string{"mode"})

	// MatchmakerDecisions counts matchmaker outcomes.
	MatchmakerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "matchmaker",
		Name:      "decisions_total",
		Help:      "Total matchmaker decisions by outcome",
	}, []string{"scene_id", "outcome"})

	// ProbeOutcomes counts ProbeCoordinator results.
	ProbeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "probe",
		Name:      "outcomes_total",
		Help:      "Total probe outcomes (success, timeout, error)",
	}, []string{"outcome"})

	// GateResolutions counts LoadingGate resolutions.
	GateResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "loading_gate",
		Name:      "resolutions_total",
		Help:      "Total loading gate resolutions by outcome",
	}, []string{"outcome"})

	// CircuitBreakerState tracks the current state of a circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "experiment_engine",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by a circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experiment_engine",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "experiment_engine",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
