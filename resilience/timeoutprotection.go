package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digitect38/xstatenet"
	"github.com/digitect38/xstatenet/orchestrator"
)

var (
	// ErrTransitionTimeout is returned when one event handling exceeds its
	// budget. The wrapped machine is indeterminate afterwards.
	ErrTransitionTimeout = errors.New("transition timeout")
	// ErrMachineIndeterminate is returned for events arriving while a timed
	// out handling is still winding down.
	ErrMachineIndeterminate = errors.New("machine state indeterminate after timeout")
)

// DeadLetterSink receives timeout expiries. *orchestrator.DeadLetterQueue
// satisfies it.
type DeadLetterSink interface {
	Add(orchestrator.DeadLetter)
}

// TimeoutOption configures a TimeoutProtectedMachine.
type TimeoutOption func(*TimeoutProtectedMachine)

// WithStateTimeout caps wall time in the state at path; expiry raises a
// synthetic STATE_TIMEOUT event carrying the path.
func WithStateTimeout(path string, d time.Duration) TimeoutOption {
	return func(t *TimeoutProtectedMachine) { t.stateTimeouts[path] = d }
}

// WithDefaultStateTimeout applies a budget to every active state that has no
// explicit one.
func WithDefaultStateTimeout(d time.Duration) TimeoutOption {
	return func(t *TimeoutProtectedMachine) { t.defaultStateTimeout = d }
}

// WithTransitionTimeout caps a single event handling (guards, actions,
// entry). On expiry the handling is cancelled cooperatively and a DLQ entry
// is written.
func WithTransitionTimeout(d time.Duration) TimeoutOption {
	return func(t *TimeoutProtectedMachine) { t.transitionTimeout = d }
}

// WithAdaptiveTimeout enables the rolling-window adaptation: the effective
// transition timeout becomes max(configured, multiplier×p95), clamped by
// maxTimeout.
func WithAdaptiveTimeout(windowSize int, multiplier float64, maxTimeout time.Duration) TimeoutOption {
	return func(t *TimeoutProtectedMachine) {
		t.adaptiveEnabled = true
		t.adaptive = newAdaptiveWindow(windowSize, multiplier, t.transitionTimeout, maxTimeout)
	}
}

// WithDeadLetterSink wires the DLQ for timeout expiries.
func WithDeadLetterSink(sink DeadLetterSink) TimeoutOption {
	return func(t *TimeoutProtectedMachine) { t.dlq = sink }
}

// WithProtectorLogger sets the structured logger.
func WithProtectorLogger(logger *slog.Logger) TimeoutOption {
	return func(t *TimeoutProtectedMachine) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// TimeoutProtectedMachine decorates a machine with state and transition
// timeouts. Per-action budgets live on the machine itself
// (xstatenet.WithActionTimeout); this wrapper owns the other two timers plus
// the adaptive statistics.
//
// It implements orchestrator.Handler, so it registers in place of the
// machine it wraps.
type TimeoutProtectedMachine struct {
	inner  orchestrator.Handler
	logger *slog.Logger

	stateTimeouts       map[string]time.Duration
	defaultStateTimeout time.Duration
	transitionTimeout   time.Duration

	adaptiveEnabled bool
	adaptive        *adaptiveWindow

	dlq  DeadLetterSink
	emit func(xstatenet.Event)

	timerMu     sync.Mutex
	stateTimers map[string]*time.Timer

	busy          atomic.Bool
	indeterminate atomic.Bool
	timeoutCount  atomic.Int64
}

// NewTimeoutProtectedMachine wraps a handler.
func NewTimeoutProtectedMachine(inner orchestrator.Handler, opts ...TimeoutOption) *TimeoutProtectedMachine {
	t := &TimeoutProtectedMachine{
		inner:         inner,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		stateTimeouts: make(map[string]time.Duration),
		stateTimers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.adaptive != nil {
		// The configured transition timeout is the adaptive floor whatever
		// order the options were given in.
		t.adaptive.minTimeout = t.transitionTimeout
	}
	return t
}

// ID returns the wrapped machine's id.
func (t *TimeoutProtectedMachine) ID() string { return t.inner.ID() }

// ConfigurationPaths returns the wrapped machine's active configuration.
func (t *TimeoutProtectedMachine) ConfigurationPaths() []string {
	return t.inner.ConfigurationPaths()
}

// SetEmitter keeps the injector for STATE_TIMEOUT events and forwards it to
// the wrapped machine.
func (t *TimeoutProtectedMachine) SetEmitter(emit func(xstatenet.Event)) {
	t.emit = emit
	if em, ok := t.inner.(interface{ SetEmitter(func(xstatenet.Event)) }); ok {
		em.SetEmitter(emit)
	}
}

// TimeoutCount returns how many transition timeouts have fired.
func (t *TimeoutProtectedMachine) TimeoutCount() int64 { return t.timeoutCount.Load() }

// Indeterminate reports whether a transition timeout left the machine in an
// unknown state.
func (t *TimeoutProtectedMachine) Indeterminate() bool { return t.indeterminate.Load() }

// AdaptiveStats returns the rolling-window view for an operation name
// (currently "transition").
func (t *TimeoutProtectedMachine) AdaptiveStats(op string) AdaptiveStats {
	if t.adaptive == nil {
		return AdaptiveStats{Operation: op, Recommended: t.transitionTimeout}
	}
	return t.adaptive.stats(op, t.transitionTimeout)
}

// Start starts the wrapped machine and arms state timers for the initial
// configuration.
func (t *TimeoutProtectedMachine) Start(ctx context.Context, oc *xstatenet.OrchestratedContext) error {
	if err := t.inner.Start(ctx, oc); err != nil {
		return err
	}
	t.rearmStateTimers(t.inner.ConfigurationPaths())
	return nil
}

// Stop cancels all timers and stops the wrapped machine.
func (t *TimeoutProtectedMachine) Stop(ctx context.Context, oc *xstatenet.OrchestratedContext) error {
	t.rearmStateTimers(nil)
	return t.inner.Stop(ctx, oc)
}

// HandleEvent forwards under the (possibly adaptive) transition budget.
func (t *TimeoutProtectedMachine) HandleEvent(ctx context.Context, ev xstatenet.Event, oc *xstatenet.OrchestratedContext) xstatenet.StepResult {
	if t.indeterminate.Load() && t.busy.Load() {
		t.deadLetter(ev, "event rejected, machine indeterminate")
		return xstatenet.StepResult{Event: ev, Err: ErrMachineIndeterminate}
	}

	budget := t.effectiveTransitionTimeout()
	if budget <= 0 {
		start := time.Now()
		sr := t.inner.HandleEvent(ctx, ev, oc)
		t.observe(time.Since(start))
		t.rearmStateTimers(t.inner.ConfigurationPaths())
		return sr
	}

	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	t.busy.Store(true)
	start := time.Now()
	done := make(chan xstatenet.StepResult, 1)
	go func() {
		defer t.busy.Store(false)
		done <- t.inner.HandleEvent(tctx, ev, oc)
	}()

	select {
	case sr := <-done:
		t.observe(time.Since(start))
		t.rearmStateTimers(t.inner.ConfigurationPaths())
		return sr
	case <-tctx.Done():
		// A timeout is itself an observation: censored at the budget, it
		// pushes the adaptive window upward so a too-tight budget loosens.
		t.observe(time.Since(start))
		t.timeoutCount.Add(1)
		t.indeterminate.Store(true)
		t.deadLetter(ev, "transition timeout after "+budget.String())
		t.logger.Error("transition timed out",
			"machine", t.inner.ID(), "event", ev.Name, "budget", budget)
		// A synthetic TIMEOUT gives the chart a recovery transition to take
		// once the wedged handling unwinds.
		if t.emit != nil {
			t.emit(xstatenet.Event{Name: xstatenet.EventTimeout, Data: ev.Name})
		}
		return xstatenet.StepResult{Event: ev, Err: ErrTransitionTimeout}
	}
}

func (t *TimeoutProtectedMachine) effectiveTransitionTimeout() time.Duration {
	if !t.adaptiveEnabled || t.adaptive == nil {
		return t.transitionTimeout
	}
	return t.adaptive.recommended("transition", t.transitionTimeout)
}

func (t *TimeoutProtectedMachine) observe(d time.Duration) {
	if t.adaptive != nil {
		t.adaptive.observe("transition", d)
	}
}

// rearmStateTimers replaces the armed set with timers for the given active
// paths. A fired timer injects STATE_TIMEOUT back through the machine's own
// event channel, so it is handled like any other event.
func (t *TimeoutProtectedMachine) rearmStateTimers(activePaths []string) {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	for path, timer := range t.stateTimers {
		timer.Stop()
		delete(t.stateTimers, path)
	}
	for _, path := range activePaths {
		budget, ok := t.stateTimeouts[path]
		if !ok {
			budget = t.defaultStateTimeout
		}
		if budget <= 0 {
			continue
		}
		p := path
		t.stateTimers[p] = time.AfterFunc(budget, func() {
			t.logger.Warn("state timeout", "machine", t.inner.ID(), "state", p, "budget", budget)
			t.deadLetter(xstatenet.Event{Name: xstatenet.EventStateTimeout, Data: p}, "state timeout in "+p)
			if t.emit != nil {
				t.emit(xstatenet.Event{Name: xstatenet.EventStateTimeout, Data: p})
			}
		})
	}
}

func (t *TimeoutProtectedMachine) deadLetter(ev xstatenet.Event, reason string) {
	if t.dlq == nil {
		return
	}
	t.dlq.Add(orchestrator.DeadLetter{
		MachineID: t.inner.ID(),
		EventName: ev.Name,
		Reason:    reason,
		Payload:   ev.Data,
	})
}
