package mesh

import (
	"net"
	"sync"
)

// Peer is a live connection to another node. The receive loop is the only
// reader; writes from the heartbeat, broadcasts and forwards are serialized
// by wmu.
type Peer struct {
	Addr    string
	Inbound bool

	conn net.Conn
	wmu  sync.Mutex
}

// NewPeer wraps conn under addr.
func NewPeer(addr string, conn net.Conn, inbound bool) *Peer {
	return &Peer{Addr: addr, Inbound: inbound, conn: conn}
}

// Send encodes msg and writes it as one frame.
func (p *Peer) Send(msg Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	return p.writeFrame(frame)
}

func (p *Peer) writeFrame(frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write(frame)
	return err
}

// Registry is the set of live peers, keyed by address and kept in insertion
// order. Removal is the only place a peer connection is closed.
type Registry struct {
	mu    sync.Mutex
	byKey map[string]*Peer
	order []*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*Peer)}
}

// Add registers p. It returns false, leaving p untouched, if a peer with the
// same address is already present.
func (r *Registry) Add(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[p.Addr]; ok {
		return false
	}
	r.byKey[p.Addr] = p
	r.order = append(r.order, p)
	return true
}

// Remove unregisters p and closes its connection. Only the call that
// actually removes p closes it; later calls, or calls for a peer that was
// replaced under the same address, return false and do nothing.
func (r *Registry) Remove(p *Peer) bool {
	r.mu.Lock()
	cur, ok := r.byKey[p.Addr]
	if !ok || cur != p {
		r.mu.Unlock()
		return false
	}
	delete(r.byKey, p.Addr)
	for i, q := range r.order {
		if q == p {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	p.conn.Close()
	return true
}

// Snapshot returns the live peers in insertion order. The slice is a copy.
func (r *Registry) Snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, len(r.order))
	copy(out, r.order)
	return out
}

// Contains reports whether addr is registered.
func (r *Registry) Contains(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byKey[addr]
	return ok
}

// Len returns the number of live peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Addrs returns the live peer addresses in insertion order.
func (r *Registry) Addrs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	for i, p := range r.order {
		out[i] = p.Addr
	}
	return out
}

// CloseAll empties the registry and closes every connection.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	peers := r.order
	r.order = nil
	r.byKey = make(map[string]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
	return len(peers)
}
