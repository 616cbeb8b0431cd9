package domain

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the mesh engine depends on them.

// EventStore is the durable record of every event this node has seen.
type EventStore interface {
	EventExists(id string) (bool, error)

	// InsertEventIfAbsent stores e keyed by its id and reports whether a new
	// row was written. A false return means the id was already present.
	InsertEventIfAbsent(e *ThreatEvent) (bool, error)
}

// ReputationStore tracks per-reporter scores. Unknown reporters score 0.
type ReputationStore interface {
	Reputation(pubkey string) (int64, error)
	AdjustReputation(pubkey string, delta int64) error
}

// PeerStore is the durable known-peer list. It is a seed source only.
type PeerStore interface {
	UpsertPeer(ip string, port int) error
	ListPeers() ([]KnownPeer, error)
}

// Store is everything the mesh engine needs from persistence.
type Store interface {
	EventStore
	ReputationStore
	PeerStore
}

// Signer produces signatures with the node's private key.
// Implemented by security.Keypair.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKeyPEM() string
}

// EventSink receives every event this node accepts as valid.
type EventSink interface {
	Publish(e *ThreatEvent) error
}
