package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// OnResult, when set, is called after every attempt that reached a
	// provider, with the breaker's classification of the attempt. Attempts
	// skipped by an open breaker are not reported.
	OnResult func(provider string, outcome Outcome, err error)
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// Entries must be registered before the group is shared; after that the
// group is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the registered entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.name
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds.
// See [ExecuteWithResult] for the failover rules.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
//
// Circuit-breaker-open entries are skipped. Once ctx is done no further entry
// is tried and the context error is returned, and the attempt that observed
// it is not held against that entry's breaker. If every entry fails the result wraps both
// [ErrAllFailed] and the last provider error.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("resilience: %s: %w", entry.name, err)
		}

		var result R
		outcome, err := entry.breaker.Execute(ctx, func(context.Context) error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if outcome != OutcomeRejected && fg.cfg.OnResult != nil {
			fg.cfg.OnResult(entry.name, outcome, err)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("resilience: %s: %w", entry.name, ctxErr)
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
