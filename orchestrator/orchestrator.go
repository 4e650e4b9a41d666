// Package orchestrator is the concurrent coordination tier: a pool of
// single-consumer event channels that dispatch events to registered
// machines, enforce one-event-at-a-time per machine, and mediate all
// inter-machine communication through the deferred-send protocol.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serialx/hashring"

	"github.com/digitect38/xstatenet"
)

var (
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrChannelFull is returned by producers in fail-fast mode when the
	// target channel is at capacity.
	ErrChannelFull = errors.New("event channel full")
	// ErrAlreadyRegistered is returned when a machine id is taken.
	ErrAlreadyRegistered = errors.New("machine id already registered")
	// ErrMachineNotFound is returned when the target id has no registration.
	ErrMachineNotFound = errors.New("machine not found")
)

// EventResult is the uniform outcome of a routed event: a success flag plus
// either the step result or an error kind and message. Implementation-level
// panics never leak to callers.
type EventResult struct {
	Success   bool
	ErrorKind ErrorKind
	Error     string
	Step      xstatenet.StepResult
	Duration  time.Duration
}

// Handler is the orchestrator-facing machine surface. *xstatenet.Machine
// implements it, as does resilience.TimeoutProtectedMachine.
type Handler interface {
	ID() string
	Start(ctx context.Context, oc *xstatenet.OrchestratedContext) error
	HandleEvent(ctx context.Context, ev xstatenet.Event, oc *xstatenet.OrchestratedContext) xstatenet.StepResult
	Stop(ctx context.Context, oc *xstatenet.OrchestratedContext) error
	ConfigurationPaths() []string
}

// emitterSetter is implemented by handlers that raise asynchronous synthetic
// events (after-timers, invocation completions).
type emitterSetter interface {
	SetEmitter(func(xstatenet.Event))
}

// RemoteRelay carries deferred sends whose targets live in another process.
// pipebus.Client implements it.
type RemoteRelay interface {
	ForwardEvent(source, target string, ev xstatenet.Event) error
}

type registration struct {
	id      string
	handler Handler
	channel *eventChannel // pinned for the machine's lifetime
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator routes events between registered machines over a pool of
// bounded, single-consumer channels. A machine is assigned to a channel by
// consistent-hashing its id; the assignment is pinned at registration so a
// machine never migrates even when the pool resizes.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex // guards channels and ring
	channels map[string]*eventChannel
	ring     *hashring.HashRing
	nextCh   int

	machines sync.Map // id -> *registration

	dlq       *DeadLetterQueue
	callbacks callbackHub
	metrics   *metrics

	remoteMu sync.RWMutex
	remote   RemoteRelay

	runCtx    context.Context
	runCancel context.CancelFunc
	stopped   atomic.Bool
	stopCh    chan struct{} // closed once Stop begins
	drainBy   atomic.Int64  // unixnano; 0 = not draining
	wg        sync.WaitGroup
	maintStop chan struct{}
}

// New creates and starts an orchestrator with the given config.
func New(cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.normalized()
	o := &Orchestrator{
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		channels:  make(map[string]*eventChannel),
		dlq:       NewDeadLetterQueue(cfg.DLQCapacity),
		metrics:   newMetrics(cfg.EnableMetrics),
		stopCh:    make(chan struct{}),
		maintStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.runCtx, o.runCancel = context.WithCancel(context.Background())

	names := make([]string, 0, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		names = append(names, o.channelName(i))
	}
	o.nextCh = cfg.PoolSize
	o.ring = hashring.New(names)
	for _, name := range names {
		o.channels[name] = newEventChannel(o, name, cfg.ChannelCapacity)
	}

	if cfg.EnableMetrics {
		o.wg.Add(1)
		go o.maintain()
	}
	return o
}

func (o *Orchestrator) channelName(i int) string {
	return fmt.Sprintf("ch-%d", i)
}

// Register adds a machine under the given id. The handler's synthetic-event
// emitter is pointed back at the orchestrator so timer and invocation events
// line up behind everything else on the machine's channel.
func (o *Orchestrator) Register(machineID string, handler Handler) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	if machineID == "" || machineID == xstatenet.SelfTarget || machineID == xstatenet.BroadcastTarget {
		return fmt.Errorf("invalid machine id %q", machineID)
	}
	reg := &registration{id: machineID, handler: handler, channel: o.channelFor(machineID)}
	if _, loaded := o.machines.LoadOrStore(machineID, reg); loaded {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, machineID)
	}
	if em, ok := handler.(emitterSetter); ok {
		em.SetEmitter(func(ev xstatenet.Event) {
			_ = o.SendFireAndForget(machineID, machineID, ev.Name, ev.Data)
		})
	}
	o.logger.Debug("machine registered", "machine", machineID, "channel", reg.channel.name)
	return nil
}

// Unregister removes a machine. In-flight events for it complete with
// MachineNotFound.
func (o *Orchestrator) Unregister(machineID string) {
	o.machines.Delete(machineID)
	o.logger.Debug("machine unregistered", "machine", machineID)
}

// UnregisterGroup removes every machine whose id carries the group infix
// "#<groupID>#" and returns how many were removed.
func (o *Orchestrator) UnregisterGroup(groupID int64) int {
	infix := fmt.Sprintf("#%d#", groupID)
	removed := 0
	o.machines.Range(func(key, _ any) bool {
		if id := key.(string); strings.Contains(id, infix) {
			o.machines.Delete(id)
			removed++
		}
		return true
	})
	o.logger.Debug("group unregistered", "group", groupID, "machines", removed)
	return removed
}

// MachineIDs returns the registered ids, sorted.
func (o *Orchestrator) MachineIDs() []string {
	var ids []string
	o.machines.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// StartMachine enqueues the synthetic start event and awaits the result.
func (o *Orchestrator) StartMachine(ctx context.Context, machineID string) error {
	res := o.submit(ctx, &eventRequest{
		kind:   reqStart,
		target: machineID,
		event:  xstatenet.Event{Name: "xstate.start"},
		done:   make(chan EventResult, 1),
	})
	if !res.Success {
		return fmt.Errorf("start %s: %s (%s)", machineID, res.Error, res.ErrorKind)
	}
	return nil
}

// StopMachine enqueues the synthetic stop event and awaits the result.
func (o *Orchestrator) StopMachine(ctx context.Context, machineID string) error {
	res := o.submit(ctx, &eventRequest{
		kind:   reqStop,
		target: machineID,
		event:  xstatenet.Event{Name: "xstate.stop"},
		done:   make(chan EventResult, 1),
	})
	if !res.Success {
		return fmt.Errorf("stop %s: %s (%s)", machineID, res.Error, res.ErrorKind)
	}
	return nil
}

// SendAsync enqueues an event for the target machine and awaits the result.
func (o *Orchestrator) SendAsync(ctx context.Context, sourceID, targetID, event string, payload any) EventResult {
	return o.submit(ctx, &eventRequest{
		kind:   reqEvent,
		source: sourceID,
		target: targetID,
		event:  xstatenet.Event{Name: event, Data: payload},
		done:   make(chan EventResult, 1),
	})
}

// SendFireAndForget enqueues an event and returns without awaiting the
// outcome. In fail-fast mode a full channel returns ErrChannelFull;
// otherwise the producer blocks for capacity.
func (o *Orchestrator) SendFireAndForget(sourceID, targetID, event string, payload any) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	req := &eventRequest{
		kind:       reqEvent,
		source:     sourceID,
		target:     targetID,
		event:      xstatenet.Event{Name: event, Data: payload},
		enqueuedAt: time.Now(),
	}
	return o.enqueue(context.Background(), o.channelForTarget(targetID), req)
}

// Broadcast enqueues the event to every registered machine except the
// source, fire-and-forget, in sorted id order.
func (o *Orchestrator) Broadcast(sourceID, event string, payload any) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	var firstErr error
	for _, id := range o.MachineIDs() {
		if id == sourceID {
			continue
		}
		if err := o.SendFireAndForget(sourceID, id, event, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) submit(ctx context.Context, req *eventRequest) EventResult {
	if o.stopped.Load() {
		return EventResult{ErrorKind: ErrKindStopped, Error: ErrStopped.Error()}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req.enqueuedAt = time.Now()
	ch := o.channelForTarget(req.target)
	if err := o.enqueue(ctx, ch, req); err != nil {
		kind := ErrKindChannelFull
		if errors.Is(err, ctx.Err()) {
			kind = ErrKindCancelled
		}
		return EventResult{ErrorKind: kind, Error: err.Error()}
	}
	select {
	case res := <-req.done:
		return res
	case <-ctx.Done():
		return EventResult{ErrorKind: ErrKindCancelled, Error: ctx.Err().Error()}
	}
}

// enqueue applies the configured backpressure: block until capacity, or
// fail fast.
func (o *Orchestrator) enqueue(ctx context.Context, ch *eventChannel, req *eventRequest) error {
	if o.cfg.FailFast {
		select {
		case ch.requests <- req:
			return nil
		default:
			return ErrChannelFull
		}
	}
	select {
	case ch.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopCh:
		return ErrStopped
	}
}

// enqueueFromConsumer is the deferred-send path. It never blocks: a consumer
// waiting on its own full channel would deadlock, so overflow goes to the
// DLQ instead.
func (o *Orchestrator) enqueueFromConsumer(ch *eventChannel, req *eventRequest) {
	select {
	case ch.requests <- req:
	default:
		o.dlq.Add(DeadLetter{
			MachineID: req.target,
			EventName: req.event.Name,
			Reason:    "deferred send rejected, channel full",
			Payload:   req.event.Data,
		})
		o.logger.Warn("deferred send dropped to DLQ",
			"target", req.target, "event", req.event.Name, "channel", ch.name)
	}
}

// flushDeferred routes everything the handling collected, preserving source
// order. Local targets enqueue directly; unknown targets go to an attached
// remote relay, or the DLQ when none is attached.
func (o *Orchestrator) flushDeferred(sourceID string, oc *xstatenet.OrchestratedContext) {
	for _, ds := range oc.DeferredSends() {
		switch ds.TargetMachineID {
		case xstatenet.SelfTarget:
			o.routeDeferred(ds.SourceMachineID, ds.SourceMachineID, ds)
		case xstatenet.BroadcastTarget:
			for _, id := range o.MachineIDs() {
				if id != ds.SourceMachineID {
					o.routeDeferred(ds.SourceMachineID, id, ds)
				}
			}
		default:
			o.routeDeferred(ds.SourceMachineID, ds.TargetMachineID, ds)
		}
	}
}

func (o *Orchestrator) routeDeferred(sourceID, targetID string, ds xstatenet.DeferredSend) {
	if o.lookup(targetID) != nil {
		o.enqueueFromConsumer(o.channelForTarget(targetID), &eventRequest{
			kind:       reqEvent,
			source:     sourceID,
			target:     targetID,
			event:      xstatenet.Event{Name: ds.EventName, Data: ds.Payload},
			enqueuedAt: time.Now(),
		})
		return
	}
	o.remoteMu.RLock()
	relay := o.remote
	o.remoteMu.RUnlock()
	if relay != nil {
		if err := relay.ForwardEvent(sourceID, targetID, xstatenet.Event{Name: ds.EventName, Data: ds.Payload}); err != nil {
			o.logger.Warn("remote forward failed", "target", targetID, "event", ds.EventName, "error", err)
			o.dlq.Add(DeadLetter{
				MachineID: targetID,
				EventName: ds.EventName,
				Reason:    "remote forward failed: " + err.Error(),
				Payload:   ds.Payload,
			})
		}
		return
	}
	o.dlq.Add(DeadLetter{
		MachineID: targetID,
		EventName: ds.EventName,
		Reason:    "deferred send target not registered",
		Payload:   ds.Payload,
	})
}

// AttachRemote wires a cross-process relay for deferred sends whose targets
// are not registered locally.
func (o *Orchestrator) AttachRemote(relay RemoteRelay) {
	o.remoteMu.Lock()
	o.remote = relay
	o.remoteMu.Unlock()
}

// InjectRemote delivers an event that arrived over the inter-process bus as
// an ordinary local send.
func (o *Orchestrator) InjectRemote(sourceID, targetID, event string, payload any) error {
	return o.SendFireAndForget(sourceID, targetID, event, payload)
}

func (o *Orchestrator) lookup(id string) *registration {
	v, ok := o.machines.Load(id)
	if !ok {
		return nil
	}
	return v.(*registration)
}

// channelForTarget resolves the channel for a target id: the pinned channel
// for a registered machine, the ring otherwise.
func (o *Orchestrator) channelForTarget(id string) *eventChannel {
	if reg := o.lookup(id); reg != nil {
		return reg.channel
	}
	return o.channelFor(id)
}

func (o *Orchestrator) channelFor(id string) *eventChannel {
	o.mu.RLock()
	defer o.mu.RUnlock()
	name, ok := o.ring.GetNode(id)
	if !ok {
		// Ring is never empty; defensive fall-through to the first channel.
		name = o.channelName(0)
	}
	return o.channels[name]
}

// DeadLetters returns a snapshot of the dead-letter queue.
func (o *Orchestrator) DeadLetters() []DeadLetter {
	return o.dlq.Snapshot()
}

// DLQ exposes the dead-letter queue for resilience wrappers.
func (o *Orchestrator) DLQ() *DeadLetterQueue { return o.dlq }

// OnMachineEventProcessed registers an observability callback.
func (o *Orchestrator) OnMachineEventProcessed(fn func(ProcessedEvent)) {
	o.callbacks.onProcessed(fn)
}

// OnMachineEventFailed registers an observability callback.
func (o *Orchestrator) OnMachineEventFailed(fn func(FailedEvent)) {
	o.callbacks.onFailed(fn)
}

// Stats returns per-machine counters. Empty unless EnableMetrics is set.
func (o *Orchestrator) Stats() map[string]MachineStats {
	return o.metrics.snapshot()
}

// PoolSize returns the current channel count.
func (o *Orchestrator) PoolSize() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.channels)
}

func (o *Orchestrator) pastDrainDeadline() bool {
	d := o.drainBy.Load()
	return d != 0 && time.Now().UnixNano() > d
}

// Stop drains each channel up to the ctx deadline, stops every registered
// machine (exit actions fire, invocations cancel), then shuts the channel
// consumers down; later sends fail with ErrStopped, and the request channels
// themselves are left open. Events still pending past the deadline are
// reported to the DLQ.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.stopped.CompareAndSwap(false, true) {
		return ErrStopped
	}
	close(o.maintStop)

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	o.drainBy.Store(deadline.UnixNano())

	// Stop requests go in behind whatever is already queued; non-blocking so
	// a saturated channel cannot wedge shutdown.
	o.machines.Range(func(key, value any) bool {
		reg := value.(*registration)
		o.enqueueFromConsumer(reg.channel, &eventRequest{
			kind:   reqStop,
			target: key.(string),
			event:  xstatenet.Event{Name: "xstate.stop"},
		})
		return true
	})

	close(o.stopCh)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	o.runCancel()

	// Anything a late deferred send slipped in after its consumer exited is
	// still accounted for.
	o.mu.RLock()
	for _, ch := range o.channels {
	drain:
		for {
			select {
			case req := <-ch.requests:
				o.dlq.Add(DeadLetter{
					MachineID: req.target,
					EventName: req.event.Name,
					Reason:    "stranded at shutdown",
					Payload:   req.event.Data,
				})
				req.complete(EventResult{ErrorKind: ErrKindStopped, Error: ErrStopped.Error()})
			default:
				break drain
			}
		}
	}
	o.mu.RUnlock()
	o.logger.Info("orchestrator stopped", "deadLetters", o.dlq.Len())
	return err
}

// maintain samples pool utilization and resizes within the configured
// bounds. Growth adds ring nodes so new machines spread wider; pinned
// assignments never move.
func (o *Orchestrator) maintain() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.maintStop:
			return
		case <-ticker.C:
			o.resizeForUtilization()
		}
	}
}

func (o *Orchestrator) resizeForUtilization() {
	o.mu.RLock()
	queued, capacity := 0, 0
	for _, ch := range o.channels {
		queued += len(ch.requests)
		capacity += cap(ch.requests)
	}
	size := len(o.channels)
	o.mu.RUnlock()
	if capacity == 0 {
		return
	}
	util := float64(queued) / float64(capacity)

	switch {
	case util > o.cfg.GrowThreshold && size < o.cfg.MaxPoolSize:
		target := int(float64(size) * o.cfg.GrowthFactor)
		if target > o.cfg.MaxPoolSize {
			target = o.cfg.MaxPoolSize
		}
		o.grow(target - size)
	case util < o.cfg.ShrinkThreshold && size > o.cfg.PoolSize:
		o.shrink(size - o.cfg.PoolSize)
	}
}

func (o *Orchestrator) grow(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if room := o.cfg.MaxPoolSize - len(o.channels); n > room {
		n = room
	}
	if n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		name := o.channelName(o.nextCh)
		o.nextCh++
		o.channels[name] = newEventChannel(o, name, o.cfg.ChannelCapacity)
		o.ring = o.ring.AddNode(name)
	}
	o.logger.Info("channel pool grew", "pool", len(o.channels))
}

// shrink retires up to n channels that have no pinned machines and no
// queued work.
func (o *Orchestrator) shrink(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.channels))
	for name := range o.channels {
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	removed := 0
	for _, name := range names {
		if removed >= n || len(o.channels) <= o.cfg.PoolSize {
			break
		}
		ch := o.channels[name]
		if o.channelPinned(ch) || len(ch.requests) > 0 {
			continue
		}
		o.ring = o.ring.RemoveNode(name)
		delete(o.channels, name)
		close(ch.quit)
		removed++
	}
	if removed > 0 {
		o.logger.Info("channel pool shrank", "pool", len(o.channels))
	}
}

// channelPinned reports whether any registered machine is pinned to ch.
// Called under o.mu so registration's channelFor cannot race the removal.
func (o *Orchestrator) channelPinned(ch *eventChannel) bool {
	pinned := false
	o.machines.Range(func(_, value any) bool {
		if value.(*registration).channel == ch {
			pinned = true
			return false
		}
		return true
	})
	return pinned
}
