package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// ─── Severity ───────────────────────────────────────────────────────────────

func TestSeverity_Valid(t *testing.T) {
	tests := []struct {
		s    Severity
		want bool
	}{
		{SeverityLow, true},
		{SeverityMedium, true},
		{SeverityHigh, true},
		{SeverityCritical, true},
		{"HIGH", false},
		{"", false},
		{"urgent", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.s), func(t *testing.T) {
			if got := tt.s.Valid(); got != tt.want {
				t.Errorf("Severity(%q).Valid() = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

// ─── Wire Projection ────────────────────────────────────────────────────────

func TestThreatEvent_WireStripsValidSignature(t *testing.T) {
	e := &ThreatEvent{
		ID:             "abc",
		SourceIP:       "10.0.0.1",
		ThreatType:     "portscan",
		Severity:       "high",
		Timestamp:      "2025-04-16T14:30:00.000000Z",
		ReporterPubKey: "PEM",
		Signature:      "c2ln",
		ValidSignature: true,
	}

	data, err := json.Marshal(e.Wire())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(data), "valid_signature") {
		t.Errorf("wire projection leaked valid_signature: %s", data)
	}
	if !strings.Contains(string(data), `"signature":"c2ln"`) {
		t.Errorf("wire projection missing signature: %s", data)
	}
}

func TestThreatEvent_WireNullSignature(t *testing.T) {
	e := &ThreatEvent{ID: "abc"}
	data, _ := json.Marshal(e.Wire())
	if !strings.Contains(string(data), `"signature":null`) {
		t.Errorf("unsigned event should carry null signature: %s", data)
	}
}

// ─── Peer Addresses ─────────────────────────────────────────────────────────

func TestParsePeerAddr(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"192.168.0.5:9001", "192.168.0.5", 9001, false},
		{"[::1]:9001", "::1", 9001, false},
		{"10.0.0.42", "", 0, true},
		{"10.0.0.42:0", "", 0, true},
		{"10.0.0.42:70000", "", 0, true},
		{":9001", "", 0, true},
		{"host:abc", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, err := ParsePeerAddr(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPeerAddr) {
					t.Errorf("err = %v, want ErrInvalidPeerAddr", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePeerAddr(%q) error: %v", tt.in, err)
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got %s:%d, want %s:%d", host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestNodeIdentity_Address(t *testing.T) {
	id := NodeIdentity{IP: "127.0.0.1", Port: 9001}
	if id.Address() != "127.0.0.1:9001" {
		t.Errorf("Address() = %q", id.Address())
	}
	p := KnownPeer{IP: "::1", Port: 9002}
	if p.Address() != "[::1]:9002" {
		t.Errorf("KnownPeer.Address() = %q", p.Address())
	}
}
