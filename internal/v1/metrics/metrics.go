package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the SFU control plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: sfu_control (application-level grouping)
// - subsystem: room, socket, operator, transcribe, minutes (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (rooms, participants, pending, transcribers)
// - Counter: Cumulative events (admin actions, operator requests, chunks)
// - Histogram: Latency distributions (dispatch time, generation time)

var (
	// ActiveRooms tracks the current number of live rooms across all tenants
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu_control",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the participant count per channel
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu_control",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"channel_id"})

	// PendingUsers tracks the waiting-room depth per channel
	PendingUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu_control",
		Subsystem: "room",
		Name:      "pending_count",
		Help:      "Number of waiting-room entries in each room",
	}, []string{"channel_id"})

	// ActiveSocketConnections tracks live websocket connections
	ActiveSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu_control",
		Subsystem: "socket",
		Name:      "connections_active",
		Help:      "Current number of active socket connections",
	})

	// SocketEvents counts processed socket events by type and status
	SocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_control",
		Subsystem: "socket",
		Name:      "events_total",
		Help:      "Total socket events processed",
	}, []string{"event_type", "status"})

	// OperatorRequests counts operator HTTP mutations by path and outcome
	OperatorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_control",
		Subsystem: "operator",
		Name:      "requests_total",
		Help:      "Total operator API requests",
	}, []string{"path", "status"})

	// AdmissionDecisions counts join decisions by outcome
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_control",
		Subsystem: "room",
		Name:      "admission_decisions_total",
		Help:      "Total admission decisions",
	}, []string{"outcome"})

	// EventDispatchDuration tracks the time spent dispatching control events
	EventDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sfu_control",
		Subsystem: "socket",
		Name:      "dispatch_seconds",
		Help:      "Time spent processing control events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ActiveTranscribers tracks live transcription pipelines
	ActiveTranscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu_control",
		Subsystem: "transcribe",
		Name:      "pipelines_active",
		Help:      "Current number of active transcription pipelines",
	})

	// TranscriptChunks counts appended transcript chunks by disposition
	TranscriptChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_control",
		Subsystem: "transcribe",
		Name:      "chunks_total",
		Help:      "Total transcript chunks processed",
	}, []string{"disposition"})

	// MinutesGenerationDuration tracks end-to-end minutes generation latency
	MinutesGenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sfu_control",
		Subsystem: "minutes",
		Name:      "generation_seconds",
		Help:      "Time spent generating minutes PDFs",
		Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// MinutesRequests counts minutes requests by source (generated, joined, cached)
	MinutesRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_control",
		Subsystem: "minutes",
		Name:      "requests_total",
		Help:      "Total minutes requests",
	}, []string{"source"})

	// CircuitBreakerState reports breaker state per backend (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu_control",
		Subsystem: "backend",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests dropped by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_control",
		Subsystem: "backend",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected by an open circuit breaker",
	}, []string{"backend"})

	// RateLimitRequests counts requests that passed rate limiting
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_control",
		Subsystem: "operator",
		Name:      "rate_limit_requests_total",
		Help:      "Requests checked against rate limits",
	}, []string{"path"})

	// RateLimitExceeded counts rejected requests by path and limit type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_control",
		Subsystem: "operator",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by rate limits",
	}, []string{"path", "limit_type"})
)

func IncConnection() {
	ActiveSocketConnections.Inc()
}

func DecConnection() {
	ActiveSocketConnections.Dec()
}
