package mesh

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/infra/metrics"
)

type dialCall struct {
	host string
	port int
}

type fakeConnector struct {
	calls chan dialCall
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{calls: make(chan dialCall, 16)}
}

func (f *fakeConnector) Connect(_ context.Context, host string, port int) error {
	f.calls <- dialCall{host, port}
	return nil
}

func (f *fakeConnector) expectNone(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Errorf("unexpected connect to %s:%d", c.host, c.port)
	case <-time.After(150 * time.Millisecond):
	}
}

func (f *fakeConnector) expect(t *testing.T) dialCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected a connect attempt")
	}
	return dialCall{}
}

func newTestDiscovery(t *testing.T, cfg DiscoveryConfig) (*Discovery, *fakeConnector) {
	t.Helper()
	conn := newFakeConnector()
	self := &domain.NodeIdentity{IP: "127.0.0.1", Port: 9001, EphemeralID: "self-id"}
	return NewDiscovery(cfg, self, conn, nil), conn
}

var loopback = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

func mustPacket(t *testing.T, msg Message) []byte {
	t.Helper()
	data, err := EncodePacket(msg)
	if err != nil {
		t.Fatalf("EncodePacket() error: %v", err)
	}
	return data
}

// ─── Packet Handling ────────────────────────────────────────────────────────

func TestDiscovery_IgnoresOwnAnnouncements(t *testing.T) {
	d, conn := newTestDiscovery(t, DiscoveryConfig{})
	d.handlePacket(mustPacket(t, &Ping{NodeID: "self-id", TCPPort: 9001}), loopback)
	d.handlePacket(mustPacket(t, &Pong{NodeID: "self-id", TCPPort: 9001}), loopback)
	conn.expectNone(t)
}

func TestDiscovery_PongDialsSender(t *testing.T) {
	d, conn := newTestDiscovery(t, DiscoveryConfig{})
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 37020}
	d.handlePacket(mustPacket(t, &Pong{NodeID: "other", TCPPort: 9100}), from)

	c := conn.expect(t)
	if c.host != "192.168.1.20" || c.port != 9100 {
		t.Errorf("dialed %s:%d, want 192.168.1.20:9100", c.host, c.port)
	}
}

func TestDiscovery_IgnoresGarbageAndBadPorts(t *testing.T) {
	d, conn := newTestDiscovery(t, DiscoveryConfig{})
	d.handlePacket([]byte("{not json"), loopback)
	d.handlePacket([]byte(`{"type":"HELLO","node_id":"x","tcp_port":1}`), loopback)
	d.handlePacket(mustPacket(t, &Pong{NodeID: "other", TCPPort: 0}), loopback)
	d.handlePacket(mustPacket(t, &Pong{NodeID: "other", TCPPort: 70000}), loopback)
	conn.expectNone(t)
}

func TestDiscovery_DialRateLimited(t *testing.T) {
	d, conn := newTestDiscovery(t, DiscoveryConfig{DialRate: 0.001, DialBurst: 1})
	before := testutil.ToFloat64(metrics.DiscoveryDialsDropped)

	for i := range 3 {
		d.handlePacket(mustPacket(t, &Pong{NodeID: "other", TCPPort: 9100 + i}), loopback)
	}
	conn.expect(t)
	conn.expectNone(t)

	if got := testutil.ToFloat64(metrics.DiscoveryDialsDropped) - before; got != 2 {
		t.Errorf("dropped dials = %v, want 2", got)
	}
}

// ─── Over Loopback UDP ──────────────────────────────────────────────────────

func TestDiscovery_LoopbackSuppression(t *testing.T) {
	d, conn := newTestDiscovery(t, DiscoveryConfig{Port: 0, BroadcastAddr: "127.0.0.1"})
	if err := d.Listen(); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	defer func() {
		cancel()
		d.Close()
		<-done
	}()

	// Our own PING comes straight back to us and must be discarded.
	if err := d.Announce(); err != nil {
		t.Fatalf("Announce() error: %v", err)
	}
	conn.expectNone(t)

	// Another node's PING is answered and dialed.
	other, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: d.Port()})
	if err != nil {
		t.Fatalf("DialUDP() error: %v", err)
	}
	defer other.Close()
	if _, err := other.Write(mustPacket(t, &Ping{NodeID: "other", TCPPort: 9200})); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	c := conn.expect(t)
	if c.host != "127.0.0.1" || c.port != 9200 {
		t.Errorf("dialed %s:%d, want 127.0.0.1:9200", c.host, c.port)
	}
}

func TestNode_UDPBindFailureDisablesDiscovery(t *testing.T) {
	kp, _ := testKeys(t)
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.Port = 0
	cfg.DiscoveryPort = busy.LocalAddr().(*net.UDPAddr).Port
	n := New(cfg, newTestStore(t), kp, nil, nil)

	if err := n.Bind(); err != nil {
		t.Fatalf("Bind() should survive a UDP conflict: %v", err)
	}
	defer n.conns.Close()
	if n.discoveryActive() {
		t.Error("discovery should be disabled")
	}
}
