package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the whiteboard collaboration hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: whiteboard (application-level grouping)
// - subsystem: websocket, room, document, store (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants, queue depth)
// - Counter: Cumulative events (frames processed, drops, snapshot writes)
// - Histogram: Latency distributions (snapshot writes, handshakes)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with a live document
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with a live document",
	})

	// RoomParticipants tracks the number of participants in each room
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// Frames counts processed wire frames by direction and type
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total wire frames processed",
	}, []string{"direction", "frame_type"})

	// ForcedCloses counts sessions torn down by the server, by reason
	ForcedCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "forced_closes_total",
		Help:      "Sessions closed by the server (overflow, flood, internal)",
	}, []string{"reason"})

	// BroadcastDrops counts frames dropped on enqueue during fan-out
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "broadcast_drops_total",
		Help:      "Frames dropped because a receiver queue was full or closed",
	})

	// ConnectDuration tracks handshake latency from socket accept to Active
	ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "whiteboard",
		Subsystem: "websocket",
		Name:      "connect_seconds",
		Help:      "Time from socket accept to session admission",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// ApplyQueueDepth tracks the per-room owner inbox depth
	ApplyQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "document",
		Name:      "apply_queue_depth",
		Help:      "Depth of the per-room apply queue",
	}, []string{"room_id"})

	// SnapshotWrites counts persisted snapshots
	SnapshotWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "document",
		Name:      "snapshot_writes_total",
		Help:      "Snapshots written to the store",
	})

	// SnapshotFailures counts snapshot writes that failed after retries
	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "document",
		Name:      "snapshot_failures_total",
		Help:      "Snapshot writes that failed",
	})

	// SnapshotDuration tracks snapshot persistence latency
	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "whiteboard",
		Subsystem: "document",
		Name:      "snapshot_seconds",
		Help:      "Time spent writing a snapshot",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// StoreRetries counts transient repository errors that were retried
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Repository calls retried after a transient error",
	})

	// RelayMessages counts cross-instance envelopes by direction
	RelayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Cross-instance relay envelopes published and received",
	}, []string{"direction"})

	// CircuitBreakerState reports the relay breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "whiteboard",
		Subsystem: "relay",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts calls dropped by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "relay",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls dropped because the circuit breaker was open",
	}, []string{"service"})

	// RateLimitExceeded counts requests refused by the rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whiteboard",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests refused because a rate limit was reached",
	}, []string{"surface"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

// ForgetRoom drops per-room label series once a room is destroyed.
func ForgetRoom(roomID string) {
	RoomParticipants.DeleteLabelValues(roomID)
	ApplyQueueDepth.DeleteLabelValues(roomID)
}
