package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cyphermesh/cyphermesh/internal/domain"
	"github.com/cyphermesh/cyphermesh/internal/infra/logutil"
	"github.com/cyphermesh/cyphermesh/internal/infra/metrics"
	"github.com/cyphermesh/cyphermesh/internal/threat"
)

// DedupMode controls how the store's insert result gates reputation changes.
type DedupMode string

const (
	// DedupAtomic applies reputation and forwarding only when this delivery
	// actually inserted the event.
	DedupAtomic DedupMode = "atomic"
	// DedupNaive trusts the earlier existence check, so two concurrent
	// deliveries of one event may both score and forward it.
	DedupNaive DedupMode = "naive"
)

// ParseDedupMode maps a config value to a DedupMode. Empty means atomic.
func ParseDedupMode(s string) (DedupMode, error) {
	switch DedupMode(s) {
	case "", DedupAtomic:
		return DedupAtomic, nil
	case DedupNaive:
		return DedupNaive, nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrInvalidDedupMode, s)
}

// Outcome is the terminal state of one inbound event.
type Outcome string

const (
	OutcomeMalformed     Outcome = "malformed"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeLowReputation Outcome = "low_reputation"
	OutcomeStoredInvalid Outcome = "stored_invalid"
	OutcomeStoredValid   Outcome = "stored_valid"
	OutcomeStoreError    Outcome = "store_error"
)

// Forwarder sends an event to live peers, skipping exclude. It returns how
// many peers were reached.
type Forwarder interface {
	Forward(e *domain.ThreatEvent, exclude *Peer) int
}

// GossipStore is the persistence the gossip engine needs.
type GossipStore interface {
	domain.EventStore
	domain.ReputationStore
}

// GossipConfig tunes the gossip engine.
type GossipConfig struct {
	Mode            DedupMode
	ReputationFloor int64
}

// Gossip decides what happens to every event this node sees.
type Gossip struct {
	store     GossipStore
	forwarder Forwarder
	sink      domain.EventSink
	mode      DedupMode
	floor     int64
	logger    logrus.FieldLogger
}

// NewGossip creates a gossip engine. sink and logger may be nil.
func NewGossip(cfg GossipConfig, store GossipStore, fwd Forwarder, sink domain.EventSink, logger logrus.FieldLogger) *Gossip {
	if cfg.Mode == "" {
		cfg.Mode = DedupAtomic
	}
	return &Gossip{
		store:     store,
		forwarder: fwd,
		sink:      sink,
		mode:      cfg.Mode,
		floor:     cfg.ReputationFloor,
		logger:    logutil.OrDiscard(logger),
	}
}

// HandleEvent processes an event payload received from origin. Processing
// order is parse, dedup, reputation gate, verify, persist, score, forward.
func (g *Gossip) HandleEvent(payload json.RawMessage, origin *Peer) Outcome {
	outcome := g.handle(payload, origin)
	metrics.EventsProcessed.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (g *Gossip) handle(payload json.RawMessage, origin *Peer) Outcome {
	log := g.logger
	if origin != nil {
		log = log.WithField("peer", origin.Addr)
	}

	e, err := threat.FromWire(payload)
	if err != nil {
		log.WithError(err).Warn("dropping malformed event")
		return OutcomeMalformed
	}
	log = log.WithField("event", threat.ShortID(e.ID))

	exists, err := g.store.EventExists(e.ID)
	if err != nil {
		log.WithError(err).Error("event lookup failed")
		return OutcomeStoreError
	}
	if exists {
		log.Debug("duplicate event")
		return OutcomeDuplicate
	}

	score, err := g.store.Reputation(e.ReporterPubKey)
	if err != nil {
		log.WithError(err).Error("reputation lookup failed")
		return OutcomeStoreError
	}
	if score < g.floor {
		log.WithField("score", score).Info("dropping event from low-reputation reporter")
		return OutcomeLowReputation
	}

	valid := threat.Verify(e)

	inserted, err := g.store.InsertEventIfAbsent(e)
	if err != nil {
		log.WithError(err).Error("event insert failed")
		return OutcomeStoreError
	}
	if !inserted && g.mode == DedupAtomic {
		log.Debug("duplicate event lost insert race")
		return OutcomeDuplicate
	}

	if err := g.score(e.ReporterPubKey, valid); err != nil {
		log.WithError(err).Error("reputation update failed")
		return OutcomeStoreError
	}

	if !valid {
		log.WithField("type", e.ThreatType).Warn("stored event with invalid signature")
		return OutcomeStoredInvalid
	}

	g.publish(e)
	n := g.forwarder.Forward(e, origin)
	log.WithFields(logrus.Fields{
		"type":      e.ThreatType,
		"severity":  e.Severity,
		"source":    e.SourceIP,
		"forwarded": n,
	}).Info("accepted event")
	return OutcomeStoredValid
}

// Originate stores a locally created, already signed event, credits our own
// reputation and floods it to every live peer. It returns the number of
// peers reached.
func (g *Gossip) Originate(e *domain.ThreatEvent) (int, error) {
	inserted, err := g.store.InsertEventIfAbsent(e)
	if err != nil {
		return 0, fmt.Errorf("store event %s: %w", threat.ShortID(e.ID), err)
	}
	if inserted || g.mode == DedupNaive {
		if err := g.score(e.ReporterPubKey, true); err != nil {
			return 0, fmt.Errorf("credit reporter: %w", err)
		}
	}
	metrics.EventsReported.Inc()
	g.publish(e)

	n := g.forwarder.Forward(e, nil)
	g.logger.WithFields(logrus.Fields{
		"event":     threat.ShortID(e.ID),
		"type":      e.ThreatType,
		"forwarded": n,
	}).Info("reported event")
	return n, nil
}

func (g *Gossip) score(pubkey string, valid bool) error {
	delta, direction := int64(domain.ReputationValidDelta), "credit"
	if !valid {
		delta, direction = domain.ReputationInvalidDelta, "penalty"
	}
	if err := g.store.AdjustReputation(pubkey, delta); err != nil {
		return err
	}
	metrics.ReputationAdjustments.WithLabelValues(direction).Inc()
	return nil
}

func (g *Gossip) publish(e *domain.ThreatEvent) {
	if g.sink == nil {
		return
	}
	if err := g.sink.Publish(e); err != nil {
		metrics.SinkPublishErrors.Inc()
		g.logger.WithError(err).WithField("event", threat.ShortID(e.ID)).Warn("sink publish failed")
	}
}
