package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Event model errors
	ErrMalformedEvent  = errors.New("event payload is missing required fields")
	ErrInvalidSeverity = errors.New("severity must be one of low, medium, high, critical")
	ErrInvalidSourceIP = errors.New("source_ip is not a valid IP address")
	ErrEmptyThreatType = errors.New("threat_type must not be empty")
	ErrEventNotFound   = errors.New("event not found")

	// Identity errors
	ErrKeysMissing   = errors.New("node key pair not found")
	ErrInvalidPEM    = errors.New("public key is not a valid PEM-encoded RSA key")
	ErrNotRSAKey     = errors.New("key is not an RSA key")
	ErrUnsignedEvent = errors.New("event has no signature")

	// Connection errors
	ErrSelfConnect      = errors.New("refusing to connect to self")
	ErrAlreadyConnected = errors.New("peer already connected")
	ErrPeerNotFound     = errors.New("peer not connected")
	ErrNodeStopped      = errors.New("node is shutting down")

	// Config errors
	ErrInvalidPeerAddr  = errors.New("peer address must be IP:PORT")
	ErrInvalidDedupMode = errors.New("dedup mode must be atomic or naive")
)
