package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of pending tasks in the scheduling queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentflux_queue_depth",
		Help: "Current number of tasks in the scheduling queue",
	}, []string{"priority"})

	// DispatchDecisions tracks permit outcomes by type.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflux_dispatch_decisions_total",
		Help: "Total number of dispatch-permit decisions",
	}, []string{"decision", "reason"}) // allowed, timed_out, aborted, circuit_open, queue_full

	// ActiveLeases tracks currently held capacity leases.
	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentflux_active_leases",
		Help: "Current number of active capacity leases",
	})

	// ActiveLLMCalls tracks in-flight LLM call slots.
	ActiveLLMCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentflux_active_llm_calls",
		Help: "Current number of in-flight LLM call slots",
	})

	// RateLimitHits tracks observed provider 429s.
	RateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflux_rate_limit_hits_total",
		Help: "Provider 429 responses observed",
	}, []string{"provider", "model"})

	// CircuitState tracks per-resource circuit breaker state.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentflux_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"resource"})

	// Preemptions tracks background leases checkpointed and released for
	// higher-priority work.
	Preemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentflux_preemptions_total",
		Help: "Background leases preempted via checkpoint",
	})

	// WorkSteals tracks cross-instance work-stealing outcomes.
	WorkSteals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflux_work_steals_total",
		Help: "Cross-instance work stealing attempts",
	}, []string{"outcome"}) // attempted, succeeded

	// ReservationsExpired tracks leases reclaimed by the reaper.
	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentflux_reservations_expired_total",
		Help: "Capacity reservations expired without release",
	})

	// AdmissionWaitSeconds tracks how long permits wait before grant.
	AdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentflux_admission_wait_seconds",
		Help:    "Time dispatch-permit requests wait before being granted",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// TaskExecutionSeconds tracks task execution time.
	TaskExecutionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentflux_task_execution_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
	})

	// TaskRetries tracks the total number of task retries.
	// Used to calculate Retry Burn Rate (retries / successes).
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentflux_task_retries_total",
		Help: "Total number of task retry attempts",
	})

	// TaskSuccesses tracks the total number of successfully completed tasks.
	TaskSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentflux_task_success_total",
		Help: "Total number of successfully completed tasks",
	})

	// APIRateLimited tracks API requests rejected by the storm-protection
	// limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflux_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// LeadershipEpoch tracks the current fencing epoch for the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentflux_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflux_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeadershipTransitionDuration tracks time taken for leadership transitions.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentflux_leader_transition_duration_seconds",
		Help:    "Time taken for leadership transition (step-down to become-leader)",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// LeaderStatus tracks current leader status.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentflux_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentflux_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// ConnectedInstances tracks live scheduler instances sharing this host.
	ConnectedInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentflux_connected_instances",
		Help: "Current number of live scheduler instances on this host",
	})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflux_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "reason"})
)
