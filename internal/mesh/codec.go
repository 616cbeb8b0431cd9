package mesh

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/cyphermesh/cyphermesh/internal/threat"
)

// MaxFrameSize bounds a single TCP frame body.
const MaxFrameSize = 1 << 20

// ErrNoMessage is returned by Decode when the stream closed or was cut off
// mid-frame. It is io.EOF so callers can use either name.
var ErrNoMessage = io.EOF

// ErrFrameTooLarge means the length prefix exceeds MaxFrameSize. The stream
// cannot be resynchronized after this.
var ErrFrameTooLarge = errors.New("mesh: frame exceeds maximum size")

// ProtocolError is a complete frame that could not be turned into a Message.
// The stream is still aligned and the caller may keep reading.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mesh protocol: %s: %v", e.Reason, e.Err)
	}
	return "mesh protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// envelope is the JSON body of every TCP frame.
type envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

var emptyObject = json.RawMessage(`{}`)

// EncodeFrame renders msg as a length-prefixed frame. Missing ids and
// timestamps are filled in.
func EncodeFrame(msg Message) ([]byte, error) {
	env := envelope{Type: msg.Type(), Payload: emptyObject}
	switch m := msg.(type) {
	case *Hello:
		env.ID, env.Timestamp = m.ID, m.Timestamp
	case *EventMessage:
		env.ID, env.Timestamp = m.ID, m.Timestamp
		if len(m.Payload) > 0 {
			env.Payload = m.Payload
		}
	default:
		return nil, fmt.Errorf("mesh: %s is not a stream message", msg.Type())
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == "" {
		env.Timestamp = threat.Now()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode %s: %w", msg.Type(), err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Encode writes msg to w as a single frame.
func Encode(w io.Writer, msg Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode reads one frame from r.
//
// It returns io.EOF if the stream ends at or inside a frame, ErrFrameTooLarge
// for an oversized length prefix, and *ProtocolError for a complete frame
// that is not a valid envelope. Other read errors are returned as-is.
func Decode(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, streamErr(err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, streamErr(err)
	}
	return decodeBody(body)
}

func streamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

func decodeBody(body []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Reason: "invalid json", Err: err}
	}

	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = emptyObject
	}
	if payload[0] != '{' {
		return nil, &ProtocolError{Reason: "payload is not an object"}
	}

	switch env.Type {
	case TypeHello:
		return &Hello{ID: env.ID, Timestamp: env.Timestamp}, nil
	case TypeEvent:
		return &EventMessage{ID: env.ID, Timestamp: env.Timestamp, Payload: json.RawMessage(payload)}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}

// ─── Discovery Packets ──────────────────────────────────────────────────────

// packet is the JSON body of a UDP discovery datagram.
type packet struct {
	Type    MessageType `json:"type"`
	NodeID  string      `json:"node_id"`
	TCPPort int         `json:"tcp_port"`
}

// EncodePacket renders a Ping or Pong datagram.
func EncodePacket(msg Message) ([]byte, error) {
	var p packet
	switch m := msg.(type) {
	case *Ping:
		p = packet{Type: TypePing, NodeID: m.NodeID, TCPPort: m.TCPPort}
	case *Pong:
		p = packet{Type: TypePong, NodeID: m.NodeID, TCPPort: m.TCPPort}
	default:
		return nil, fmt.Errorf("mesh: %s is not a discovery packet", msg.Type())
	}
	return json.Marshal(p)
}

// DecodePacket parses a discovery datagram into a Ping or Pong.
func DecodePacket(data []byte) (Message, error) {
	var p packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ProtocolError{Reason: "invalid json", Err: err}
	}
	switch p.Type {
	case TypePing:
		return &Ping{NodeID: p.NodeID, TCPPort: p.TCPPort}, nil
	case TypePong:
		return &Pong{NodeID: p.NodeID, TCPPort: p.TCPPort}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown packet type %q", p.Type)}
	}
}
