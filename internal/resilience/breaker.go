// Package resilience keeps the pipeline estimating when an inference backend
// fails.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops calling a backend after consecutive failures and probes it again
// after a cool-down. [Failover] groups several estimators behind one
// [pitch.Estimator], each with its own breaker, so frames move to the next
// healthy backend while the primary is tripped.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. All must
	// succeed to close the breaker; one failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the documented defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default 5.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing. Default 5s,
	// five hundred hops.
	CoolDown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	// Default 3.
	Probes int

	// Counts reports whether err counts as a backend failure. Errors it
	// rejects pass through without touching the breaker. Nil counts every
	// error.
	Counts func(err error) bool

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// Logger receives state transitions. Defaults to slog.Default.
	Logger *slog.Logger

	// OnOpen, when set, is called with Name each time the breaker opens. It
	// runs with the breaker locked and must not call back into it.
	OnOpen func(name string)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 5 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn when the breaker allows it and records the outcome. While open
// it returns [ErrCircuitOpen] without calling fn.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.CoolDown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes, b.successes = 0, 0
		b.cfg.Logger.Info("circuit breaker half-open", "name", b.cfg.Name)
	case StateHalfOpen:
		if b.probes >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
	}
	if b.state == StateHalfOpen {
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	if err != nil && b.cfg.Counts != nil && !b.cfg.Counts(err) {
		err = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if !probe {
			b.failures = 0
			return
		}
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.state = StateClosed
			b.failures = 0
			b.cfg.Logger.Info("circuit breaker closed", "name", b.cfg.Name)
		}
		return
	}

	if probe {
		b.trip("probe failed", err)
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.trip("too many failures", err)
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip(reason string, err error) {
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
	b.cfg.Logger.Warn("circuit breaker opened",
		"name", b.cfg.Name,
		"reason", reason,
		"consecutive_failures", b.failures,
		"err", err,
	)
	if b.cfg.OnOpen != nil {
		b.cfg.OnOpen(b.cfg.Name)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.probes, b.successes = 0, 0, 0
}
