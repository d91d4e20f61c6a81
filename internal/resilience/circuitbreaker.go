// Package resilience guards backend calls with circuit breakers and ordered
// failover.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] tries a primary and then each fallback in turn, each with
// its own breaker. [RecognizerFallback] and [SynthesizerFallback] use it to
// implement the provider interfaces.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. A probe
	// failure re-opens the breaker; enough successes close it.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget and the number of successful
	// probes required to close again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs
	// without the breaker lock held.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-valued fields of cfg are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call and records its outcome.
// A rejected call returns [ErrCircuitOpen] and fn is not invoked. An error
// wrapping [context.Canceled] is neither a failure nor a success.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed. probe reports whether the call
// counts against the half-open budget.
func (cb *CircuitBreaker) admit() (probe, ok bool) {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		from, changed = cb.setLocked(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		ok = false
	case StateHalfOpen:
		if cb.probes < cb.cfg.HalfOpenMax {
			cb.probes++
			probe, ok = true, true
		}
	default:
		ok = true
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return probe, ok
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	var (
		from, to State
		changed  bool
	)
	switch {
	case errors.Is(err, context.Canceled):
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
	case err != nil && probe:
		to = StateOpen
		from, changed = cb.setLocked(StateOpen)
	case err != nil:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			to = StateOpen
			from, changed = cb.setLocked(StateOpen)
		}
	case probe:
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.HalfOpenMax {
			to = StateClosed
			from, changed = cb.setLocked(StateClosed)
		}
	default:
		cb.failures = 0
	}
	failures := cb.failures
	cb.mu.Unlock()

	if !changed {
		return
	}
	if to == StateOpen {
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String(), "failures", failures)
	} else {
		slog.Info("circuit breaker closed", "name", cb.cfg.Name)
	}
	cb.notify(from, to)
}

// setLocked moves the breaker to s and resets the counters that belong to
// the new state. Must be called with cb.mu held.
func (cb *CircuitBreaker) setLocked(s State) (from State, changed bool) {
	from = cb.state
	if from == s {
		return from, false
	}
	cb.state = s
	cb.probes, cb.successes = 0, 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	return from, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.setLocked(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	if changed {
		slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
		cb.notify(from, StateClosed)
	}
}
