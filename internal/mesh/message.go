// Package mesh implements the CypherMesh peer-to-peer layer: framed TCP
// messaging between peers, UDP broadcast discovery, the live peer registry,
// and the gossip engine that verifies, stores and re-floods threat events.
package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cyphermesh/cyphermesh/internal/domain"
)

// MessageType is the "type" field of a mesh envelope or discovery packet.
type MessageType string

const (
	TypeHello MessageType = "HELLO"
	TypeEvent MessageType = "event"
	TypePing  MessageType = "PING"
	TypePong  MessageType = "PONG"
)

// Message is the closed set of things that travel between nodes.
// Hello and EventMessage ride the TCP stream; Ping and Pong are UDP
// discovery packets.
type Message interface {
	Type() MessageType
	isMessage()
}

// Hello is the heartbeat keepalive. It carries no payload.
type Hello struct {
	ID        string
	Timestamp string
}

// EventMessage carries a threat event in its wire projection. Payload is
// untrusted until parsed by threat.FromWire.
type EventMessage struct {
	ID        string
	Timestamp string
	Payload   json.RawMessage
}

// Ping is broadcast on the discovery port to announce a node.
type Ping struct {
	NodeID  string
	TCPPort int
}

// Pong answers a Ping directly to its sender.
type Pong struct {
	NodeID  string
	TCPPort int
}

func (*Hello) Type() MessageType        { return TypeHello }
func (*EventMessage) Type() MessageType { return TypeEvent }
func (*Ping) Type() MessageType         { return TypePing }
func (*Pong) Type() MessageType         { return TypePong }

func (*Hello) isMessage()        {}
func (*EventMessage) isMessage() {}
func (*Ping) isMessage()         {}
func (*Pong) isMessage()         {}

// NewHello builds a keepalive with a fresh correlation id.
func NewHello() *Hello {
	return &Hello{ID: uuid.NewString()}
}

// NewEventMessage wraps e for the wire. The event id doubles as the
// correlation id.
func NewEventMessage(e *domain.ThreatEvent) (*EventMessage, error) {
	payload, err := json.Marshal(e.Wire())
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return &EventMessage{ID: e.ID, Payload: payload}, nil
}
