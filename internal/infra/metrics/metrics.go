// Package metrics provides Prometheus metrics for CypherMesh.
// Counters and gauges for gossip outcomes, live peers, wire traffic,
// discovery and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cyphermesh"

// ─── Gossip ─────────────────────────────────────────────────────────────────

// EventsProcessed counts inbound events by terminal outcome
// (malformed, duplicate, low_reputation, stored_invalid, stored_valid, store_error).
var EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "events_processed_total",
	Help:      "Inbound threat events by gossip outcome.",
}, []string{"outcome"})

// EventsReported counts events originated by this node.
var EventsReported = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "events_reported_total",
	Help:      "Threat events created and signed by this node.",
})

// EventsForwarded counts per-peer event sends (one event to three peers is 3).
var EventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "events_forwarded_total",
	Help:      "Event frames sent to peers.",
})

// ReputationAdjustments counts score changes by direction (credit, penalty).
var ReputationAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "reputation_adjustments_total",
	Help:      "Reporter reputation changes by direction.",
}, []string{"direction"})

// ─── Peers ──────────────────────────────────────────────────────────────────

// PeersLive tracks connections currently held in the peer registry.
var PeersLive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "peers_live",
	Help:      "Number of live peer connections.",
})

// PeerConnects counts successful connections by direction (inbound, outbound).
var PeerConnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "peer_connects_total",
	Help:      "Peer connections established by direction.",
}, []string{"direction"})

// PeerDisconnects counts peers removed from the registry.
var PeerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "peer_disconnects_total",
	Help:      "Peer connections closed.",
})

// ─── Wire ───────────────────────────────────────────────────────────────────

// MessagesReceived counts decoded TCP frames by message type.
var MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_received_total",
	Help:      "Decoded mesh messages by type.",
}, []string{"type"})

// ProtocolErrors counts complete frames that could not be decoded.
var ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "protocol_errors_total",
	Help:      "Malformed mesh frames skipped.",
})

// ─── Discovery ──────────────────────────────────────────────────────────────

// DiscoveryPackets counts UDP discovery packets by type and direction.
var DiscoveryPackets = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "discovery_packets_total",
	Help:      "Discovery packets by type and direction.",
}, []string{"type", "direction"})

// DiscoveryDialsDropped counts connect attempts shed by the dial limiter.
var DiscoveryDialsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "discovery_dials_dropped_total",
	Help:      "Discovery connect attempts dropped by rate limiting.",
})

// ─── Heartbeat ──────────────────────────────────────────────────────────────

// HeartbeatTicks counts heartbeat rounds by action (hello, discover).
var HeartbeatTicks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "heartbeat_ticks_total",
	Help:      "Heartbeat rounds by action taken.",
}, []string{"action"})

// ─── Sink ───────────────────────────────────────────────────────────────────

// SinkPublishErrors counts failed publishes to the external event sink.
var SinkPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sink_publish_errors_total",
	Help:      "Failed publishes to the external event sink.",
})

// CircuitState tracks sink circuit breakers (0=closed, 1=open, 2=half-open).
var CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "circuit_state",
	Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open).",
}, []string{"breaker"})

// SinkSkipped counts events not published because a sink's circuit was open.
var SinkSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sink_skipped_total",
	Help:      "Events not published because the sink circuit was open.",
}, []string{"sink"})

// StreamDropped counts events not delivered to a slow stream subscriber.
var StreamDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "stream_dropped_total",
	Help:      "Events dropped for websocket subscribers that fell behind.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
