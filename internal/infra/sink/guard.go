package sink

import (
	"errors"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/infra/healing"
	"github.com/cyphermesh/cyphermesh/internal/infra/metrics"
)

// Guarded publishes through a circuit breaker. While the breaker is open
// events are skipped and counted instead of each paying the sink's timeout.
type Guarded struct {
	name    string
	sink    domain.EventSink
	breaker *healing.Breaker
}

// Guard wraps s with breaker b.
func Guard(name string, s domain.EventSink, b *healing.Breaker) *Guarded {
	return &Guarded{name: name, sink: s, breaker: b}
}

// Publish forwards e unless the circuit is open.
func (g *Guarded) Publish(e *domain.ThreatEvent) error {
	err := g.breaker.Do(func() error { return g.sink.Publish(e) })
	if errors.Is(err, healing.ErrCircuitOpen) {
		metrics.SinkSkipped.WithLabelValues(g.name).Inc()
		return nil
	}
	return err
}

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *healing.Breaker { return g.breaker }
