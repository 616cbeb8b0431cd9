package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/infra/logutil"
	"github.com/cyphermesh/cyphermesh/internal/infra/metrics"
)

// EventHandler receives every event payload read from a peer.
type EventHandler interface {
	HandleEvent(payload json.RawMessage, origin *Peer) Outcome
}

// ConnConfig tunes the connection manager.
type ConnConfig struct {
	ListenHost        string
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// ConnManager owns the TCP side of the node: the listener, outbound dials,
// one receive loop per peer, and the heartbeat.
type ConnManager struct {
	cfg      ConnConfig
	self     *domain.NodeIdentity
	registry *Registry
	peers    domain.PeerStore
	logger   logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	handler  EventHandler
	onEmpty  func()
	closed   bool
}

// NewConnManager creates a connection manager for the node identified by
// self. self.Port is updated by Listen when binding to port 0.
func NewConnManager(cfg ConnConfig, self *domain.NodeIdentity, registry *Registry, peers domain.PeerStore, logger logrus.FieldLogger) *ConnManager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &ConnManager{
		cfg:      cfg,
		self:     self,
		registry: registry,
		peers:    peers,
		logger:   logutil.OrDiscard(logger),
	}
}

// SetHandler installs the event handler. Must be called before Serve.
func (cm *ConnManager) SetHandler(h EventHandler) {
	cm.mu.Lock()
	cm.handler = h
	cm.mu.Unlock()
}

// OnEmpty installs the callback the heartbeat runs when no peers are live.
func (cm *ConnManager) OnEmpty(fn func()) {
	cm.mu.Lock()
	cm.onEmpty = fn
	cm.mu.Unlock()
}

// Listen binds the TCP listener. A bind failure is fatal for the node.
func (cm *ConnManager) Listen() error {
	addr := net.JoinHostPort(cm.cfg.ListenHost, strconv.Itoa(cm.self.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && cm.self.Port == 0 {
		cm.self.Port = tcp.Port
	}

	cm.mu.Lock()
	cm.listener = ln
	cm.mu.Unlock()
	cm.logger.WithField("addr", ln.Addr().String()).Info("listening for peers")
	return nil
}

// Serve accepts inbound connections until the listener is closed.
func (cm *ConnManager) Serve(ctx context.Context) error {
	cm.mu.Lock()
	ln := cm.listener
	cm.mu.Unlock()
	if ln == nil {
		return errors.New("mesh: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			cm.logger.WithError(err).Warn("accept failed")
			continue
		}

		p := NewPeer(conn.RemoteAddr().String(), conn, true)
		if !cm.registry.Add(p) {
			conn.Close()
			continue
		}
		if cm.isClosed() {
			cm.registry.Remove(p)
			return nil
		}
		cm.connected(p)
		go cm.receiveLoop(p)
	}
}

// Connect dials host:port and registers the connection. It refuses our own
// address and addresses that are already live.
func (cm *ConnManager) Connect(ctx context.Context, host string, port int) error {
	if cm.isSelf(host, port) {
		return domain.ErrSelfConnect
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if cm.registry.Contains(addr) {
		return domain.ErrAlreadyConnected
	}
	if cm.isClosed() {
		return domain.ErrNodeStopped
	}

	dialer := net.Dialer{Timeout: cm.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	p := NewPeer(addr, conn, false)
	if !cm.registry.Add(p) {
		conn.Close()
		return domain.ErrAlreadyConnected
	}
	if cm.isClosed() {
		cm.registry.Remove(p)
		return domain.ErrNodeStopped
	}
	if cm.peers != nil {
		if err := cm.peers.UpsertPeer(host, port); err != nil {
			cm.logger.WithError(err).WithField("peer", addr).Warn("could not record known peer")
		}
	}
	cm.connected(p)
	go cm.receiveLoop(p)
	return nil
}

func (cm *ConnManager) isSelf(host string, port int) bool {
	if port != cm.self.Port {
		return false
	}
	if host == cm.self.IP || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func (cm *ConnManager) isClosed() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.closed
}

func (cm *ConnManager) connected(p *Peer) {
	direction := "outbound"
	if p.Inbound {
		direction = "inbound"
	}
	metrics.PeerConnects.WithLabelValues(direction).Inc()
	metrics.PeersLive.Set(float64(cm.registry.Len()))
	cm.logger.WithFields(logrus.Fields{"peer": p.Addr, "direction": direction}).Info("peer connected")
}

// drop removes p from the registry, closing its connection if this call won.
func (cm *ConnManager) drop(p *Peer, reason error) {
	if !cm.registry.Remove(p) {
		return
	}
	metrics.PeerDisconnects.Inc()
	metrics.PeersLive.Set(float64(cm.registry.Len()))
	log := cm.logger.WithField("peer", p.Addr)
	if reason != nil && !errors.Is(reason, io.EOF) && !errors.Is(reason, net.ErrClosed) {
		log = log.WithError(reason)
	}
	log.Info("peer disconnected")
}

func (cm *ConnManager) receiveLoop(p *Peer) {
	log := cm.logger.WithField("peer", p.Addr)
	for {
		msg, err := Decode(p.conn)
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				metrics.ProtocolErrors.Inc()
				log.WithError(err).Warn("skipping bad frame")
				continue
			}
			cm.drop(p, err)
			return
		}
		metrics.MessagesReceived.WithLabelValues(string(msg.Type())).Inc()

		switch m := msg.(type) {
		case *Hello:
			log.Debug("hello")
		case *EventMessage:
			cm.mu.Lock()
			h := cm.handler
			cm.mu.Unlock()
			if h != nil {
				h.HandleEvent(m.Payload, p)
			}
		default:
			log.WithField("type", msg.Type()).Warn("unexpected message on stream")
		}
	}
}

// Heartbeat sends HELLO to every live peer each interval, dropping peers
// whose send fails. With no live peers it triggers rediscovery instead.
func (cm *ConnManager) Heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cm.heartbeatOnce()
		}
	}
}

func (cm *ConnManager) heartbeatOnce() {
	peers := cm.registry.Snapshot()
	if len(peers) == 0 {
		metrics.HeartbeatTicks.WithLabelValues("discover").Inc()
		cm.mu.Lock()
		fn := cm.onEmpty
		cm.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}

	metrics.HeartbeatTicks.WithLabelValues("hello").Inc()
	for _, p := range peers {
		if err := p.Send(NewHello()); err != nil {
			cm.drop(p, err)
		}
	}
}

// Forward sends e to every live peer except exclude and returns how many
// sends succeeded. Peers that fail are dropped.
func (cm *ConnManager) Forward(e *domain.ThreatEvent, exclude *Peer) int {
	msg, err := NewEventMessage(e)
	if err != nil {
		cm.logger.WithError(err).Error("encode event")
		return 0
	}
	frame, err := EncodeFrame(msg)
	if err != nil {
		cm.logger.WithError(err).Error("encode event")
		return 0
	}

	sent := 0
	for _, p := range cm.registry.Snapshot() {
		if p == exclude {
			continue
		}
		if err := p.writeFrame(frame); err != nil {
			cm.drop(p, err)
			continue
		}
		sent++
	}
	metrics.EventsForwarded.Add(float64(sent))
	return sent
}

// Broadcast sends e to every live peer.
func (cm *ConnManager) Broadcast(e *domain.ThreatEvent) int {
	return cm.Forward(e, nil)
}

// Close stops the listener and closes every peer connection, which ends
// their receive loops.
func (cm *ConnManager) Close() error {
	cm.mu.Lock()
	cm.closed = true
	ln := cm.listener
	cm.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if n := cm.registry.CloseAll(); n > 0 {
		cm.logger.WithField("peers", n).Info("closed peer connections")
	}
	metrics.PeersLive.Set(0)
	return err
}
