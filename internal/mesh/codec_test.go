package mesh

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func rawFrame(body string) []byte {
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// ─── Round Trip ─────────────────────────────────────────────────────────────

func TestEncodeDecode_Hello(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Hello{ID: "abc"}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	msg, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	h, ok := msg.(*Hello)
	if !ok {
		t.Fatalf("Decode() = %T, want *Hello", msg)
	}
	if h.ID != "abc" {
		t.Errorf("ID = %q, want abc", h.ID)
	}
	if !strings.HasSuffix(h.Timestamp, "Z") {
		t.Errorf("Timestamp %q should be filled in UTC", h.Timestamp)
	}
}

func TestEncodeFrame_FillsID(t *testing.T) {
	frame, err := EncodeFrame(&Hello{})
	if err != nil {
		t.Fatalf("EncodeFrame() error: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(frame[4:], &env); err != nil {
		t.Fatalf("frame body is not JSON: %v", err)
	}
	if env.ID == "" {
		t.Error("missing id should be filled with a uuid")
	}
	if string(env.Payload) != "{}" {
		t.Errorf("hello payload = %s, want {}", env.Payload)
	}
	if got := binary.BigEndian.Uint32(frame); int(got) != len(frame)-4 {
		t.Errorf("length prefix = %d, body = %d", got, len(frame)-4)
	}
}

func TestEncodeDecode_Event(t *testing.T) {
	payload := json.RawMessage(`{"id":"e1","source_ip":"10.0.0.1"}`)
	var buf bytes.Buffer
	if err := Encode(&buf, &EventMessage{ID: "e1", Payload: payload}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	msg, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	em, ok := msg.(*EventMessage)
	if !ok {
		t.Fatalf("Decode() = %T, want *EventMessage", msg)
	}
	if em.ID != "e1" || !bytes.Equal(em.Payload, payload) {
		t.Errorf("got id %q payload %s", em.ID, em.Payload)
	}
}

func TestEncodeFrame_RejectsDiscoveryPackets(t *testing.T) {
	if _, err := EncodeFrame(&Ping{NodeID: "x"}); err == nil {
		t.Error("Ping is not a stream message")
	}
}

// ─── Stream Robustness ──────────────────────────────────────────────────────

func TestDecode_EndOfStream(t *testing.T) {
	full := rawFrame(`{"type":"HELLO","id":"1","payload":{},"timestamp":"t"}`)
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"partial header", []byte{0, 0}},
		{"header only", full[:4]},
		{"truncated body", full[:len(full)-3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.data))
			if !errors.Is(err, io.EOF) {
				t.Errorf("err = %v, want io.EOF", err)
			}
			if !errors.Is(err, ErrNoMessage) {
				t.Error("ErrNoMessage should match")
			}
		})
	}
}

func TestDecode_GarbageThenValid(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(rawFrame(`this is not json`))
	stream.Write(rawFrame(`{"type":"GOSSIP","id":"1","payload":{}}`))
	stream.Write(rawFrame(`{"type":"event","id":"1","payload":[1,2]}`))
	Encode(&stream, &Hello{ID: "ok"})

	for i := 0; i < 3; i++ {
		_, err := Decode(&stream)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("frame %d: err = %v, want *ProtocolError", i, err)
		}
	}

	msg, err := Decode(&stream)
	if err != nil {
		t.Fatalf("valid frame after garbage: %v", err)
	}
	if h, ok := msg.(*Hello); !ok || h.ID != "ok" {
		t.Errorf("got %#v, want Hello ok", msg)
	}
	if _, err := Decode(&stream); !errors.Is(err, io.EOF) {
		t.Errorf("drained stream err = %v, want io.EOF", err)
	}
}

func TestDecode_NullPayloadIsEmptyObject(t *testing.T) {
	msg, err := Decode(bytes.NewReader(rawFrame(`{"type":"HELLO","id":"1","payload":null}`)))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if _, ok := msg.(*Hello); !ok {
		t.Errorf("Decode() = %T, want *Hello", msg)
	}
}

func TestDecode_FrameTooLarge(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := Decode(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecode_UDPTypesRejectedOnStream(t *testing.T) {
	_, err := Decode(bytes.NewReader(rawFrame(`{"type":"PING","id":"1","payload":{}}`)))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("err = %v, want *ProtocolError", err)
	}
}

// ─── Discovery Packets ──────────────────────────────────────────────────────

func TestPacket_RoundTrip(t *testing.T) {
	data, err := EncodePacket(&Pong{NodeID: "n1", TCPPort: 9001})
	if err != nil {
		t.Fatalf("EncodePacket() error: %v", err)
	}
	if !strings.Contains(string(data), `"tcp_port":9001`) {
		t.Errorf("packet %s should carry tcp_port", data)
	}
	msg, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket() error: %v", err)
	}
	p, ok := msg.(*Pong)
	if !ok || p.NodeID != "n1" || p.TCPPort != 9001 {
		t.Errorf("got %#v", msg)
	}
}

func TestDecodePacket_Invalid(t *testing.T) {
	for _, data := range []string{`nope`, `{"type":"HELLO"}`, `{"type":"PING","tcp_port":"x"}`} {
		if _, err := DecodePacket([]byte(data)); err == nil {
			t.Errorf("DecodePacket(%s) should fail", data)
		}
	}
}
