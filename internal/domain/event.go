// Package domain: threat events and reputation.
// A ThreatEvent is a signed report about a hostile source address. It is
// created once, verified on every node that receives it, and stored at most
// once per node keyed by its content-derived id.
package domain

// Severity grades a threat event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severity levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ThreatEvent is a signed threat-intelligence report.
// ValidSignature is a local annotation only; it never leaves the node.
type ThreatEvent struct {
	ID             string `json:"id"`
	SourceIP       string `json:"source_ip"`
	ThreatType     string `json:"threat_type"`
	Severity       string `json:"severity"`
	Timestamp      string `json:"timestamp"`
	ReporterPubKey string `json:"reporter_pubkey"`
	Signature      string `json:"signature"`
	ValidSignature bool   `json:"-"`
}

// WireEvent is the projection of a ThreatEvent sent to peers.
type WireEvent struct {
	ID             string  `json:"id"`
	SourceIP       string  `json:"source_ip"`
	ThreatType     string  `json:"threat_type"`
	Severity       string  `json:"severity"`
	Timestamp      string  `json:"timestamp"`
	ReporterPubKey string  `json:"reporter_pubkey"`
	Signature      *string `json:"signature"`
}

// Wire returns the wire projection of e (valid_signature stripped).
// An empty signature is sent as JSON null.
func (e *ThreatEvent) Wire() WireEvent {
	w := WireEvent{
		ID:             e.ID,
		SourceIP:       e.SourceIP,
		ThreatType:     e.ThreatType,
		Severity:       e.Severity,
		Timestamp:      e.Timestamp,
		ReporterPubKey: e.ReporterPubKey,
	}
	if e.Signature != "" {
		sig := e.Signature
		w.Signature = &sig
	}
	return w
}

// StoredEvent is a ThreatEvent as read back from the store, with the
// verification outcome recorded at insert time.
type StoredEvent struct {
	ThreatEvent
	Valid bool `json:"valid_signature"`
}

// ReputationScore is a reporter's cumulative score.
type ReputationScore struct {
	PubKey string `json:"pubkey"`
	Score  int64  `json:"score"`
}

// Reputation deltas and the admission floor.
const (
	ReputationValidDelta   = 1
	ReputationInvalidDelta = -3
	ReputationFloor        = -10
)
