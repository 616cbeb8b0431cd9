package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/infra/logutil"
	"github.com/cyphermesh/cyphermesh/internal/infra/metrics"
)

// Connector dials a peer's TCP port. Implemented by ConnManager.
type Connector interface {
	Connect(ctx context.Context, host string, port int) error
}

// DiscoveryConfig tunes LAN discovery.
type DiscoveryConfig struct {
	Port          int
	BroadcastAddr string
	DialRate      rate.Limit
	DialBurst     int
}

// Discovery finds peers on the local network by broadcasting PING on a UDP
// port and dialing every node that answers or announces itself.
type Discovery struct {
	cfg       DiscoveryConfig
	self      *domain.NodeIdentity
	connector Connector
	limiter   *rate.Limiter
	logger    logrus.FieldLogger

	mu   sync.Mutex
	conn *net.UDPConn
	ctx  context.Context
}

// NewDiscovery creates a discovery service announcing self.
func NewDiscovery(cfg DiscoveryConfig, self *domain.NodeIdentity, connector Connector, logger logrus.FieldLogger) *Discovery {
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = "255.255.255.255"
	}
	if cfg.DialRate <= 0 {
		cfg.DialRate = 5
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = 10
	}
	return &Discovery{
		cfg:       cfg,
		self:      self,
		connector: connector,
		limiter:   rate.NewLimiter(cfg.DialRate, cfg.DialBurst),
		logger:    logutil.OrDiscard(logger),
		ctx:       context.Background(),
	}
}

// Listen binds the discovery port.
func (d *Discovery) Listen() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.cfg.Port})
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", d.cfg.Port, err)
	}
	if d.cfg.Port == 0 {
		d.cfg.Port = conn.LocalAddr().(*net.UDPAddr).Port
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.logger.WithField("port", d.cfg.Port).Info("discovery listening")
	return nil
}

// Port returns the bound discovery port.
func (d *Discovery) Port() int { return d.cfg.Port }

// Serve reads discovery packets until ctx is done or the socket is closed.
func (d *Discovery) Serve(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.ctx = ctx
	d.mu.Unlock()
	if conn == nil {
		return errors.New("mesh: discovery Serve called before Listen")
	}

	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.WithError(err).Warn("discovery read failed")
			continue
		}
		d.handlePacket(buf[:n], from)
	}
}

// Announce broadcasts a PING carrying our ephemeral id and TCP port.
func (d *Discovery) Announce() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return errors.New("mesh: discovery not listening")
	}

	data, err := EncodePacket(&Ping{NodeID: d.self.EphemeralID, TCPPort: d.self.Port})
	if err != nil {
		return err
	}
	target, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(d.cfg.BroadcastAddr, strconv.Itoa(d.cfg.Port)))
	if err != nil {
		return fmt.Errorf("resolve broadcast address: %w", err)
	}
	if _, err := conn.WriteToUDP(data, target); err != nil {
		return fmt.Errorf("broadcast ping: %w", err)
	}
	metrics.DiscoveryPackets.WithLabelValues(string(TypePing), "sent").Inc()
	d.logger.Debug("broadcast ping")
	return nil
}

func (d *Discovery) handlePacket(data []byte, from *net.UDPAddr) {
	msg, err := DecodePacket(data)
	if err != nil {
		d.logger.WithError(err).WithField("from", from.String()).Debug("ignoring discovery packet")
		return
	}

	var nodeID string
	var tcpPort int
	switch m := msg.(type) {
	case *Ping:
		nodeID, tcpPort = m.NodeID, m.TCPPort
	case *Pong:
		nodeID, tcpPort = m.NodeID, m.TCPPort
	default:
		return
	}
	if nodeID == d.self.EphemeralID {
		return
	}
	metrics.DiscoveryPackets.WithLabelValues(string(msg.Type()), "received").Inc()

	if msg.Type() == TypePing {
		d.reply(from)
	}
	if tcpPort <= 0 || tcpPort > 65535 {
		d.logger.WithField("from", from.String()).Debug("discovery packet without a usable tcp port")
		return
	}
	d.dial(from.IP.String(), tcpPort)
}

func (d *Discovery) reply(to *net.UDPAddr) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := EncodePacket(&Pong{NodeID: d.self.EphemeralID, TCPPort: d.self.Port})
	if err != nil {
		return
	}
	target := &net.UDPAddr{IP: to.IP, Port: d.cfg.Port}
	if _, err := conn.WriteToUDP(data, target); err != nil {
		d.logger.WithError(err).WithField("to", target.String()).Debug("pong failed")
		return
	}
	metrics.DiscoveryPackets.WithLabelValues(string(TypePong), "sent").Inc()
}

// dial connects in the background. Attempts beyond the limiter's budget are
// dropped rather than queued.
func (d *Discovery) dial(host string, port int) {
	if !d.limiter.Allow() {
		metrics.DiscoveryDialsDropped.Inc()
		return
	}
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	go func() {
		err := d.connector.Connect(ctx, host, port)
		switch {
		case err == nil:
			d.logger.WithField("peer", net.JoinHostPort(host, strconv.Itoa(port))).Info("discovered peer")
		case errors.Is(err, domain.ErrAlreadyConnected), errors.Is(err, domain.ErrSelfConnect):
			// expected while nodes announce each other
		default:
			d.logger.WithError(err).Debug("discovery connect failed")
		}
	}()
}

// Close releases the UDP socket.
func (d *Discovery) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
