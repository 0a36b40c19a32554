// Package resilience keeps reply generation available while an LLM backend
// misbehaves.
//
// [CircuitBreaker] guards a single backend with the usual three states
// (closed, open, half-open). [FallbackGroup] chains several backends, each
// behind its own breaker, and [LLMFallback] exposes such a chain as an
// [llm.Provider].
//
// Only backend failures move a breaker towards open. An attempt that ends
// because its request context was cancelled or ran out of time is
// [OutcomeAbandoned] and leaves the breaker's counters untouched.
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

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the breaker tripped.
	StateOpen

	// StateHalfOpen lets a bounded number of trial calls through. Enough
	// successful trials close the breaker; one failed trial re-opens it.
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

// Outcome classifies a single call made through a [CircuitBreaker].
type Outcome int

const (
	// OutcomeSuccess means fn returned nil.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure means fn returned an error that counts against the
	// backend.
	OutcomeFailure

	// OutcomeAbandoned means fn returned an error after its context ended,
	// or an error the breaker's IsFailure hook does not count.
	OutcomeAbandoned

	// OutcomeRejected means the breaker did not call fn at all.
	OutcomeRejected
)

// String returns the outcome as used in metric labels.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "ok"
	case OutcomeFailure:
		return "error"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the guarded backend in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// that trips the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls admitted in the half-open
	// state, and the number of successful trials that close it. Default: 3.
	HalfOpenMax int

	// IsFailure reports whether an error returned while the call's context
	// was still live counts against the backend. Nil selects
	// [CountsAsFailure].
	IsFailure func(error) bool
}

// CountsAsFailure is the default failure classifier. Context cancellation and
// deadline errors never count, even when a backend returns them on its own.
func CountsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker implements the three-state circuit breaker pattern for one
// backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	now          func() time.Time

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped on every state change
	failures int    // consecutive failures while closed
	trials   int    // trials admitted in the current half-open period
	trialOK  int    // successful trials in the current half-open period
	openedAt time.Time
}

// ticket records what [CircuitBreaker.admit] granted, so the result of a call
// that outlived a state change is not credited to the new state.
type ticket struct {
	gen   uint64
	trial bool
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
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
	if cfg.IsFailure == nil {
		cfg.IsFailure = CountsAsFailure
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Execute calls fn with ctx if the breaker admits the call and reports how
// the call was classified. A rejected call returns [ErrCircuitOpen] without
// invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) (Outcome, error) {
	t, err := cb.admit()
	if err != nil {
		return OutcomeRejected, err
	}
	err = fn(ctx)
	outcome := cb.classify(ctx, err)
	cb.settle(t, outcome)
	return outcome, err
}

func (cb *CircuitBreaker) classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case ctx.Err() != nil, !cb.isFailure(err):
		return OutcomeAbandoned
	default:
		return OutcomeFailure
	}
}

func (cb *CircuitBreaker) admit() (ticket, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return ticket{}, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenMax {
			return ticket{}, ErrCircuitOpen
		}
		cb.trials++
		return ticket{gen: cb.gen, trial: true}, nil
	}
	return ticket{gen: cb.gen}, nil
}

func (cb *CircuitBreaker) settle(t ticket, outcome Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if t.gen != cb.gen {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		if !t.trial {
			cb.failures = 0
			return
		}
		cb.trialOK++
		if cb.trialOK >= cb.halfOpenMax {
			cb.setState(StateClosed)
		}
	case OutcomeFailure:
		if t.trial {
			cb.setState(StateOpen)
			return
		}
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	case OutcomeAbandoned:
		// Free the trial slot so another request can test the backend.
		if t.trial {
			cb.trials--
		}
	}
}

// setState moves to next and starts a fresh accounting period. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) setState(next State) {
	prev := cb.state
	failures := cb.failures
	cb.state = next
	cb.gen++
	cb.failures, cb.trials, cb.trialOK = 0, 0, 0

	switch next {
	case StateOpen:
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened",
			"name", cb.name, "from", prev, "consecutive_failures", failures)
	default:
		slog.Info("circuit breaker state changed",
			"name", cb.name, "from", prev, "to", next)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}
