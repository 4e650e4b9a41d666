package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrChannelClosed is returned by writes to a closed bounded channel.
	ErrChannelClosed = errors.New("bounded channel closed")
	// ErrStrategyConflict is returned at construction when the overflow
	// strategy conflicts with the base full-mode.
	ErrStrategyConflict = errors.New("backpressure strategy conflicts with base full mode")
	// ErrRedirectTargetRequired is returned when the Redirect strategy has
	// no overflow channel.
	ErrRedirectTargetRequired = errors.New("redirect strategy requires an overflow channel")
)

// OverflowStrategy selects what happens when a bounded channel is full.
type OverflowStrategy string

const (
	// OverflowWait suspends the producer until capacity frees.
	OverflowWait OverflowStrategy = "wait"
	// OverflowDropNewest discards the incoming item.
	OverflowDropNewest OverflowStrategy = "dropNewest"
	// OverflowDropOldest pops the head to admit the new item; the reader
	// may observe loss.
	OverflowDropOldest OverflowStrategy = "dropOldest"
	// OverflowRedirect tries the designated overflow channel.
	OverflowRedirect OverflowStrategy = "redirect"
)

// BaseFullMode is the underlying channel's behavior, which the custom
// strategy layers on top of. Non-Wait custom strategies require BaseWait;
// conflicting combinations are rejected at construction, never at runtime.
type BaseFullMode string

const (
	BaseWait     BaseFullMode = "wait"
	BaseFailFast BaseFullMode = "failFast"
)

// ChannelStats counts the channel's write outcomes.
type ChannelStats struct {
	Written    int64
	Dropped    int64
	Redirected int64
}

// BoundedChannelOption configures a BoundedChannel.
type BoundedChannelOption[T any] func(*BoundedChannel[T])

// WithStrategy sets the overflow strategy (default OverflowWait).
func WithStrategy[T any](s OverflowStrategy) BoundedChannelOption[T] {
	return func(c *BoundedChannel[T]) { c.strategy = s }
}

// WithBaseFullMode sets the base full-mode (default BaseWait).
func WithBaseFullMode[T any](m BaseFullMode) BoundedChannelOption[T] {
	return func(c *BoundedChannel[T]) { c.baseMode = m }
}

// WithRedirect designates the overflow channel for OverflowRedirect.
func WithRedirect[T any](target *BoundedChannel[T]) BoundedChannelOption[T] {
	return func(c *BoundedChannel[T]) { c.redirect = target }
}

// WithChannelLogger sets the structured logger.
func WithChannelLogger[T any](logger *slog.Logger) BoundedChannelOption[T] {
	return func(c *BoundedChannel[T]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// BoundedChannel is a bounded FIFO with a pluggable overflow strategy.
// Writes are safe from any goroutine; the read side is single-consumer.
type BoundedChannel[T any] struct {
	name     string
	ch       chan T
	strategy OverflowStrategy
	baseMode BaseFullMode
	redirect *BoundedChannel[T]
	logger   *slog.Logger

	mu     sync.Mutex // serializes dropOldest pop+push
	closed atomic.Bool

	written    atomic.Int64
	dropped    atomic.Int64
	redirected atomic.Int64
}

// NewBoundedChannel creates a bounded channel of the given capacity.
// Invalid strategy/base-mode combinations fail here with
// ErrStrategyConflict.
func NewBoundedChannel[T any](name string, capacity int, opts ...BoundedChannelOption[T]) (*BoundedChannel[T], error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	c := &BoundedChannel[T]{
		name:     name,
		ch:       make(chan T, capacity),
		strategy: OverflowWait,
		baseMode: BaseWait,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.strategy != OverflowWait && c.baseMode != BaseWait {
		return nil, ErrStrategyConflict
	}
	if c.strategy == OverflowRedirect && c.redirect == nil {
		return nil, ErrRedirectTargetRequired
	}
	return c, nil
}

// Name returns the channel's label.
func (c *BoundedChannel[T]) Name() string { return c.name }

// Capacity returns the channel's bound.
func (c *BoundedChannel[T]) Capacity() int { return cap(c.ch) }

// Len returns the current queue depth.
func (c *BoundedChannel[T]) Len() int { return len(c.ch) }

// WriteAsync writes one item under the configured strategy. It reports
// whether the item was admitted somewhere (the main channel or, under
// Redirect, the overflow channel).
func (c *BoundedChannel[T]) WriteAsync(ctx context.Context, item T) (bool, error) {
	if c.closed.Load() {
		return false, ErrChannelClosed
	}
	switch c.strategy {
	case OverflowWait:
		if c.baseMode == BaseFailFast {
			if c.tryWrite(item) {
				return true, nil
			}
			return false, nil
		}
		select {
		case c.ch <- item:
			c.written.Add(1)
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	case OverflowDropNewest:
		if c.tryWrite(item) {
			return true, nil
		}
		c.dropped.Add(1)
		return false, nil
	case OverflowDropOldest:
		c.mu.Lock()
		defer c.mu.Unlock()
		for {
			if c.tryWrite(item) {
				return true, nil
			}
			select {
			case <-c.ch:
				c.dropped.Add(1)
			default:
			}
		}
	case OverflowRedirect:
		if c.tryWrite(item) {
			return true, nil
		}
		if c.redirect.tryWrite(item) {
			c.redirected.Add(1)
			return true, nil
		}
		c.dropped.Add(1)
		return false, nil
	}
	return false, nil
}

// TryWrite is the non-blocking write, regardless of strategy.
func (c *BoundedChannel[T]) TryWrite(item T) bool {
	if c.closed.Load() {
		return false
	}
	return c.tryWrite(item)
}

func (c *BoundedChannel[T]) tryWrite(item T) bool {
	select {
	case c.ch <- item:
		c.written.Add(1)
		return true
	default:
		return false
	}
}

// ReadAsync reads the next item. The single consumer contract is the
// caller's to honor. It returns ok=false only when the channel is closed
// and drained, or the context ends.
func (c *BoundedChannel[T]) ReadAsync(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case item, ok := <-c.ch:
		if !ok {
			return zero, false, ErrChannelClosed
		}
		return item, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// TryRead is the non-blocking read.
func (c *BoundedChannel[T]) TryRead() (T, bool) {
	var zero T
	select {
	case item, ok := <-c.ch:
		if !ok {
			return zero, false
		}
		return item, true
	default:
		return zero, false
	}
}

// Close marks the channel closed. Idempotent; queued items remain readable.
func (c *BoundedChannel[T]) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
		c.logger.Debug("bounded channel closed", "channel", c.name, "pending", len(c.ch))
	}
}

// Stats returns the write counters.
func (c *BoundedChannel[T]) Stats() ChannelStats {
	return ChannelStats{
		Written:    c.written.Load(),
		Dropped:    c.dropped.Load(),
		Redirected: c.redirected.Load(),
	}
}
