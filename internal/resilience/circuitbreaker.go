// Package resilience guards transport connects with circuit breakers and
// fails over between transports.
//
// [Breaker] is a three-state breaker (closed, open, half-open) that stops a
// remote service that keeps refusing connects from being hammered.
// [Failover] puts a breaker in front of each of several transports and opens
// sessions on the first healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/clock"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

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

// BreakerConfig holds the tuning knobs of a [Breaker]. Zero fields take the
// defaults noted on each field.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// Probes is the number of half-open successes needed to close.
	// Default: 1.
	Probes int

	// Clock defaults to [clock.Real].
	Clock clock.Clock
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probes       int
	clk          clock.Clock

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	probeWins int
}

// NewBreaker creates a [Breaker] from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probes:       cfg.Probes,
		clk:          cfg.Clock,
	}
}

// Do runs fn if the breaker admits it and records the outcome. Context
// cancellation and deadline errors are returned but never counted as
// failures: the caller gave up, the remote side did not refuse.
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
	if b.state == StateOpen {
		if b.clk.Now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state, b.inFlight, b.probeWins = StateHalfOpen, 0, 0
		slog.Info("circuit breaker half-open", "name", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.probeWins >= b.probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	if err != nil {
		if probe || b.state == StateHalfOpen {
			b.trip("circuit breaker re-opened")
			return
		}
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip("circuit breaker opened")
		}
		return
	}

	if probe {
		b.probeWins++
		if b.probeWins >= b.probes && b.state == StateHalfOpen {
			b.state, b.failures = StateClosed, 0
			slog.Info("circuit breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// trip must be called with b.mu held.
func (b *Breaker) trip(msg string) {
	b.state = StateOpen
	b.openedAt = b.clk.Now()
	b.failures = 0
	slog.Warn(msg, "name", b.name, "reset_timeout", b.resetTimeout)
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clk.Now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.inFlight, b.probeWins = StateClosed, 0, 0, 0
}
