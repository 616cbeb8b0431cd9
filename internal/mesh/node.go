package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/infra/logutil"
	"github.com/cyphermesh/cyphermesh/internal/threat"
)

// Default network parameters.
const (
	DefaultPort              = 9001
	DefaultDiscoveryPort     = 37020
	DefaultBroadcastAddr     = "255.255.255.255"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 5 * time.Second
)

// Config holds everything a Node needs to join the mesh.
type Config struct {
	IP         string
	Port       int
	ListenHost string

	DiscoveryEnabled bool
	DiscoveryPort    int
	BroadcastAddr    string
	DialRate         float64
	DialBurst        int

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	DedupMode         DedupMode
	ReputationFloor   int64

	// Seeds are IP:PORT addresses dialed once at start, after known peers.
	Seeds []string
}

// DefaultConfig returns a config with the standard ports and timings.
func DefaultConfig() Config {
	return Config{
		IP:                "127.0.0.1",
		Port:              DefaultPort,
		DiscoveryEnabled:  true,
		DiscoveryPort:     DefaultDiscoveryPort,
		BroadcastAddr:     DefaultBroadcastAddr,
		DialRate:          5,
		DialBurst:         10,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DialTimeout:       DefaultDialTimeout,
		DedupMode:         DedupAtomic,
		ReputationFloor:   domain.ReputationFloor,
	}
}

// Node is one participant in the mesh. It owns the node identity and runs
// the listener, discovery, heartbeat and seed dialing under one errgroup.
type Node struct {
	cfg    Config
	self   *domain.NodeIdentity
	store  domain.Store
	signer domain.Signer
	logger logrus.FieldLogger

	registry  *Registry
	conns     *ConnManager
	discovery *Discovery
	gossip    *Gossip

	mu        sync.Mutex
	bound     bool
	discovers bool
}

// New wires a node. sink and logger may be nil.
func New(cfg Config, store domain.Store, signer domain.Signer, sink domain.EventSink, logger logrus.FieldLogger) *Node {
	logger = logutil.OrDiscard(logger)
	self := &domain.NodeIdentity{IP: cfg.IP, Port: cfg.Port, EphemeralID: uuid.NewString()}

	registry := NewRegistry()
	conns := NewConnManager(ConnConfig{
		ListenHost:        cfg.ListenHost,
		DialTimeout:       cfg.DialTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, self, registry, store, logger.WithField("component", "mesh.connmgr"))

	gossip := NewGossip(GossipConfig{
		Mode:            cfg.DedupMode,
		ReputationFloor: cfg.ReputationFloor,
	}, store, conns, sink, logger.WithField("component", "mesh.gossip"))
	conns.SetHandler(gossip)

	n := &Node{
		cfg:      cfg,
		self:     self,
		store:    store,
		signer:   signer,
		logger:   logger.WithField("component", "mesh.node"),
		registry: registry,
		conns:    conns,
		gossip:   gossip,
	}

	if cfg.DiscoveryEnabled {
		n.discovery = NewDiscovery(DiscoveryConfig{
			Port:          cfg.DiscoveryPort,
			BroadcastAddr: cfg.BroadcastAddr,
			DialRate:      rate.Limit(cfg.DialRate),
			DialBurst:     cfg.DialBurst,
		}, self, conns, logger.WithField("component", "mesh.discovery"))
		conns.OnEmpty(n.announce)
	}
	return n
}

// Bind opens the TCP listener and, if enabled, the discovery socket. A TCP
// failure is returned; a UDP failure only disables discovery.
func (n *Node) Bind() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bound {
		return nil
	}
	if err := n.conns.Listen(); err != nil {
		return err
	}
	if n.discovery != nil {
		if err := n.discovery.Listen(); err != nil {
			n.logger.WithError(err).Warn("discovery disabled")
		} else {
			n.discovers = true
		}
	}
	n.bound = true
	return nil
}

// Run binds if needed and serves until ctx is cancelled. It returns nil on
// a clean shutdown and an error only if the TCP listener could not be bound.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Bind(); err != nil {
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"addr":    n.self.Address(),
		"node_id": n.self.EphemeralID,
	}).Info("node started")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return n.conns.Serve(ctx)
	})
	group.Go(func() error {
		return n.conns.Heartbeat(ctx)
	})
	if n.discoveryActive() {
		group.Go(func() error {
			return n.discovery.Serve(ctx)
		})
		n.announce()
	}
	group.Go(func() error {
		n.dialSeeds(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		n.Close()
		return nil
	})

	err := group.Wait()
	n.logger.Info("node stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the sockets and drops every peer. Run calls it on
// shutdown; it is only needed directly when Bind was called without Run.
func (n *Node) Close() {
	n.conns.Close()
	if n.discoveryActive() {
		n.discovery.Close()
	}
}

func (n *Node) discoveryActive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.discovers
}

func (n *Node) announce() {
	if !n.discoveryActive() {
		return
	}
	if err := n.discovery.Announce(); err != nil {
		n.logger.WithError(err).Debug("announce failed")
	}
}

// dialSeeds connects to every known peer and configured seed, best-effort.
func (n *Node) dialSeeds(ctx context.Context) {
	var addrs []string
	if known, err := n.store.ListPeers(); err != nil {
		n.logger.WithError(err).Warn("could not load known peers")
	} else {
		for _, p := range known {
			addrs = append(addrs, p.Address())
		}
	}
	addrs = append(addrs, n.cfg.Seeds...)

	for _, addr := range addrs {
		if ctx.Err() != nil {
			return
		}
		host, port, err := domain.ParsePeerAddr(addr)
		if err != nil {
			n.logger.WithField("seed", addr).Warn("invalid seed address")
			continue
		}
		if err := n.conns.Connect(ctx, host, port); err != nil &&
			!errors.Is(err, domain.ErrAlreadyConnected) && !errors.Is(err, domain.ErrSelfConnect) {
			n.logger.WithError(err).WithField("seed", addr).Info("seed unreachable")
		}
	}
}

// Connect dials a peer by host and port.
func (n *Node) Connect(ctx context.Context, host string, port int) error {
	return n.conns.Connect(ctx, host, port)
}

// Report creates, signs, stores and floods a locally observed threat. It
// returns the event and the number of peers it was sent to.
func (n *Node) Report(sourceIP, threatType, severity string) (*domain.ThreatEvent, int, error) {
	if n.signer == nil {
		return nil, 0, domain.ErrKeysMissing
	}
	e, err := threat.New(n.signer, sourceIP, threatType, severity)
	if err != nil {
		return nil, 0, err
	}
	sent, err := n.gossip.Originate(e)
	if err != nil {
		return nil, 0, fmt.Errorf("report event: %w", err)
	}
	return e, sent, nil
}

// Identity returns the node's address and ephemeral id.
func (n *Node) Identity() domain.NodeIdentity {
	return *n.self
}

// LivePeers returns the addresses of currently connected peers.
func (n *Node) LivePeers() []string {
	return n.registry.Addrs()
}

// Gossip exposes the gossip engine.
func (n *Node) Gossip() *Gossip {
	return n.gossip
}
