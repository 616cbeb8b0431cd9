// Package healing guards calls to external dependencies with circuit
// breakers, so a dead Redis or PostgreSQL costs one failed call per reset
// window instead of a timeout per event.
//
// Breaker states:
//   - CLOSED: calls pass; FailureThreshold consecutive failures trip to OPEN
//   - OPEN: calls are rejected until ResetTimeout elapses, then HALF_OPEN
//   - HALF_OPEN: probes pass; HalfOpenMax successes close, one failure reopens
package healing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cyphermesh/cyphermesh/internal/infra/logutil"
	"github.com/cyphermesh/cyphermesh/internal/infra/metrics"
)

// ErrCircuitOpen is returned by Allow and Do while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is a breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a breaker.
type Config struct {
	FailureThreshold int           // failures to trip (default 5)
	ResetTimeout     time.Duration // time OPEN before probing (default 30s)
	HalfOpenMax      int           // successful probes to close (default 3)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      3,
	}
}

// Breaker is a circuit breaker for one named dependency. Safe for
// concurrent use.
type Breaker struct {
	mu        sync.Mutex
	name      string
	cfg       Config
	state     State
	failures  int
	successes int
	trippedAt time.Time
	trips     int
	now       func() time.Time
	logger    logrus.FieldLogger
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg Config, logger logrus.FieldLogger) *Breaker {
	logger = logutil.OrDiscard(logger)
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.WithField("breaker", name),
	}
	metrics.CircuitState.WithLabelValues(name).Set(float64(Closed))
	return b
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	if b.state == Open {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.setLocked(Closed)
			b.logger.Info("circuit closed")
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure records a failed call and may trip the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.tripLocked()
		}
	case HalfOpen:
		b.tripLocked()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Trips     int       `json:"trips"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
}

// Snapshot returns the current state snapshot.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return Snapshot{
		Name:      b.name,
		State:     b.state.String(),
		Failures:  b.failures,
		Trips:     b.trips,
		TrippedAt: b.trippedAt,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(Closed)
}

func (b *Breaker) tripLocked() {
	b.trippedAt = b.now()
	b.trips++
	b.setLocked(Open)
	b.logger.WithField("retry_in", b.cfg.ResetTimeout).Warn("circuit open")
}

// advanceLocked moves OPEN to HALF_OPEN once the reset timeout has passed.
func (b *Breaker) advanceLocked() {
	if b.state == Open && b.now().Sub(b.trippedAt) >= b.cfg.ResetTimeout {
		b.setLocked(HalfOpen)
	}
}

func (b *Breaker) setLocked(s State) {
	b.state = s
	b.failures = 0
	b.successes = 0
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(s))
}
