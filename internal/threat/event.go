// Package threat implements the signed threat-event model: canonical
// serialization, content-derived ids, RSA-PSS signing and verification, and
// parsing of untrusted wire payloads.
package threat

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/security"
)

// TimestampLayout is ISO-8601 UTC with microseconds and a trailing Z.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Now returns the current UTC time in TimestampLayout.
func Now() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// DeriveID returns the hex SHA-256 of the canonical JSON of the five
// content fields. Identical inputs yield identical ids on every node.
func DeriveID(sourceIP, threatType, severity, timestamp, reporterPubKey string) string {
	sum := sha256.Sum256(canonicalJSON(map[string]string{
		"source_ip":       sourceIP,
		"threat_type":     threatType,
		"severity":        severity,
		"timestamp":       timestamp,
		"reporter_pubkey": reporterPubKey,
	}))
	return hex.EncodeToString(sum[:])
}

// CanonicalPayload is the byte sequence a reporter signs: every wire field
// except the signature itself.
func CanonicalPayload(e *domain.ThreatEvent) []byte {
	return canonicalJSON(map[string]string{
		"id":              e.ID,
		"source_ip":       e.SourceIP,
		"threat_type":     e.ThreatType,
		"severity":        e.Severity,
		"timestamp":       e.Timestamp,
		"reporter_pubkey": e.ReporterPubKey,
	})
}

// Sign sets e.Signature to the base64 RSA-PSS signature of its canonical payload.
func Sign(e *domain.ThreatEvent, signer domain.Signer) error {
	sig, err := signer.Sign(CanonicalPayload(e))
	if err != nil {
		return fmt.Errorf("sign event %s: %w", ShortID(e.ID), err)
	}
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks e's signature against its own reporter key and records the
// outcome in e.ValidSignature. It never fails loudly: a missing signature or
// key, bad base64, a malformed PEM or a mismatched key all yield false.
func Verify(e *domain.ThreatEvent) bool {
	e.ValidSignature = false
	if e.Signature == "" || e.ReporterPubKey == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	e.ValidSignature = security.Verify(CanonicalPayload(e), sig, e.ReporterPubKey)
	return e.ValidSignature
}

// New creates and signs a locally originated event. This is the only way
// this node produces events of its own.
func New(signer domain.Signer, sourceIP, threatType, severity string) (*domain.ThreatEvent, error) {
	if net.ParseIP(sourceIP) == nil {
		return nil, domain.ErrInvalidSourceIP
	}
	if strings.TrimSpace(threatType) == "" {
		return nil, domain.ErrEmptyThreatType
	}
	if !domain.Severity(severity).Valid() {
		return nil, domain.ErrInvalidSeverity
	}

	e := &domain.ThreatEvent{
		SourceIP:       sourceIP,
		ThreatType:     threatType,
		Severity:       severity,
		Timestamp:      Now(),
		ReporterPubKey: signer.PublicKeyPEM(),
	}
	e.ID = DeriveID(e.SourceIP, e.ThreatType, e.Severity, e.Timestamp, e.ReporterPubKey)
	if err := Sign(e, signer); err != nil {
		return nil, err
	}
	e.ValidSignature = true
	return e, nil
}

// FromWire builds an event from an untrusted payload. Unknown fields are
// ignored, including any valid_signature a peer may have sent. The result is
// not verified.
func FromWire(payload json.RawMessage) (*domain.ThreatEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	var e domain.ThreatEvent
	required := []struct {
		key string
		dst *string
	}{
		{"id", &e.ID},
		{"source_ip", &e.SourceIP},
		{"threat_type", &e.ThreatType},
		{"severity", &e.Severity},
		{"timestamp", &e.Timestamp},
		{"reporter_pubkey", &e.ReporterPubKey},
	}
	for _, f := range required {
		raw, ok := fields[f.key]
		if !ok || isNull(raw) {
			return nil, fmt.Errorf("%w: missing %s", domain.ErrMalformedEvent, f.key)
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return nil, fmt.Errorf("%w: %s is not a string", domain.ErrMalformedEvent, f.key)
		}
	}

	if raw, ok := fields["signature"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &e.Signature); err != nil {
			return nil, fmt.Errorf("%w: signature is not a string", domain.ErrMalformedEvent)
		}
	}
	return &e, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// ShortID truncates an event id for log lines.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
