// Package resilience holds the opt-in protection layers: a three-state
// circuit breaker with atomic transitions, bounded channels with pluggable
// overflow strategies, and timeout protection for orchestrated machines.
package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned when a call is short-circuited without
// executing the operation.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState is the breaker's coarse state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "halfOpen"
	default:
		return "unknown"
	}
}

// CircuitBreakerSnapshot is a consistent-enough view of the breaker's
// counters, readable without blocking writers.
type CircuitBreakerSnapshot struct {
	State         CircuitState
	FailureCount  int64
	SuccessCount  int64
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// CircuitBreakerOption configures a breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many failures open the circuit (default 5).
func WithFailureThreshold(n int64) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.failureThreshold = n
		}
	}
}

// WithOpenDuration sets how long the circuit stays open before admitting a
// half-open probe (default 30s).
func WithOpenDuration(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.openDuration = d
		}
	}
}

// WithHalfOpenTestDelay sets the settle window before the half-open probe
// runs, letting in-flight cancellations drain (default 100ms).
func WithHalfOpenTestDelay(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if d >= 0 {
			cb.halfOpenTestDelay = d
		}
	}
}

// WithBreakerLogger sets the structured logger.
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// CircuitBreaker is a thread-safe three-state breaker. The fast path is
// atomic loads and adds only; the short transition lock guards state flips
// and re-checks its precondition inside, so racing resets never cause a
// spurious open.
type CircuitBreaker struct {
	name string

	failureThreshold  int64
	openDuration      time.Duration
	halfOpenTestDelay time.Duration
	logger            *slog.Logger

	state         atomic.Int32
	failures      atomic.Int64
	successes     atomic.Int64
	lastFailureAt atomic.Int64 // unixnano, 0 = never
	openedAt      atomic.Int64 // unixnano, 0 = not open

	transitionMu sync.Mutex
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:              name,
		failureThreshold:  5,
		openDuration:      30 * time.Second,
		halfOpenTestDelay: 100 * time.Millisecond,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current coarse state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Snapshot returns the observable statistics without blocking writers.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	snap := CircuitBreakerSnapshot{
		State:        CircuitState(cb.state.Load()),
		FailureCount: cb.failures.Load(),
		SuccessCount: cb.successes.Load(),
	}
	if ns := cb.lastFailureAt.Load(); ns != 0 {
		snap.LastFailureAt = time.Unix(0, ns)
	}
	if ns := cb.openedAt.Load(); ns != 0 {
		snap.OpenedAt = time.Unix(0, ns)
	}
	return snap
}

// Reset force-closes the breaker and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.transitionMu.Lock()
	defer cb.transitionMu.Unlock()
	cb.state.Store(int32(CircuitClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.openedAt.Store(0)
}

// Execute runs fn under the breaker. While open within the open duration,
// calls fail fast with ErrCircuitOpen. Once the duration elapses exactly one
// caller wins the half-open probe (after the settle delay); its success
// closes the circuit, its failure re-opens it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	switch CircuitState(cb.state.Load()) {
	case CircuitOpen:
		opened := cb.openedAt.Load()
		if time.Since(time.Unix(0, opened)) < cb.openDuration {
			return nil, ErrCircuitOpen
		}
		if !cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			return nil, ErrCircuitOpen
		}
		// This caller won the probe slot.
		if cb.halfOpenTestDelay > 0 {
			select {
			case <-time.After(cb.halfOpenTestDelay):
			case <-ctx.Done():
				// Probe abandoned; hand the slot back.
				cb.reopen()
				return nil, ctx.Err()
			}
		}
		return cb.probe(ctx, fn)
	case CircuitHalfOpen:
		return nil, ErrCircuitOpen
	}
	return cb.executeClosed(ctx, fn)
}

func (cb *CircuitBreaker) executeClosed(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	result, err := fn(ctx)
	if err != nil {
		cb.recordFailure()
		return nil, err
	}
	cb.successes.Add(1)
	return result, nil
}

func (cb *CircuitBreaker) probe(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	result, err := fn(ctx)
	if err != nil {
		cb.lastFailureAt.Store(time.Now().UnixNano())
		cb.reopen()
		cb.logger.Warn("half-open probe failed, circuit re-opened", "breaker", cb.name, "error", err)
		return nil, err
	}
	cb.transitionMu.Lock()
	cb.state.Store(int32(CircuitClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.openedAt.Store(0)
	cb.transitionMu.Unlock()
	cb.logger.Info("circuit closed after successful probe", "breaker", cb.name)
	return result, nil
}

func (cb *CircuitBreaker) reopen() {
	cb.transitionMu.Lock()
	cb.state.Store(int32(CircuitOpen))
	cb.openedAt.Store(time.Now().UnixNano())
	cb.transitionMu.Unlock()
}

func (cb *CircuitBreaker) recordFailure() {
	count := cb.failures.Add(1)
	cb.lastFailureAt.Store(time.Now().UnixNano())
	if count < cb.failureThreshold {
		return
	}
	cb.transitionMu.Lock()
	defer cb.transitionMu.Unlock()
	// Re-read under the lock: a concurrent reset or an earlier open means
	// this transition must not fire again.
	if CircuitState(cb.state.Load()) != CircuitClosed {
		return
	}
	if cb.failures.Load() < cb.failureThreshold {
		return
	}
	cb.state.Store(int32(CircuitOpen))
	cb.openedAt.Store(time.Now().UnixNano())
	cb.logger.Warn("circuit opened", "breaker", cb.name, "failures", cb.failures.Load())
}
