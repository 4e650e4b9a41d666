package orchestrator

import (
	"fmt"
	"time"

	"github.com/digitect38/xstatenet"
)

type requestKind int

const (
	reqEvent requestKind = iota
	reqStart
	reqStop
)

// eventRequest is one unit of work on a channel. A nil done channel means
// fire-and-forget.
type eventRequest struct {
	kind       requestKind
	source     string
	target     string
	event      xstatenet.Event
	done       chan EventResult
	enqueuedAt time.Time
}

func (r *eventRequest) complete(res EventResult) {
	if r.done != nil {
		r.done <- res
	}
}

// eventChannel is one bounded FIFO with a single dedicated consumer
// goroutine. The consumer owns every machine pinned to the channel: at most
// one of those machines is handling an event at any instant, which is the
// whole serialization story.
type eventChannel struct {
	name     string
	requests chan *eventRequest
	quit     chan struct{} // closed when the channel is retired by a shrink
	orch     *Orchestrator
}

func newEventChannel(o *Orchestrator, name string, capacity int) *eventChannel {
	c := &eventChannel{
		name:     name,
		requests: make(chan *eventRequest, capacity),
		quit:     make(chan struct{}),
		orch:     o,
	}
	o.wg.Add(1)
	go c.consume()
	return c
}

// consume is the per-channel loop: dequeue, dispatch, flush deferred sends,
// publish observability events. On shutdown it drains what is already
// queued; requests still pending past the drain deadline go to the DLQ.
func (c *eventChannel) consume() {
	defer c.orch.wg.Done()
	for {
		select {
		case req := <-c.requests:
			c.handle(req)
		case <-c.orch.stopCh:
			c.drainRemaining()
			return
		case <-c.quit:
			c.drainRemaining()
			return
		}
	}
}

func (c *eventChannel) handle(req *eventRequest) {
	if c.orch.pastDrainDeadline() {
		c.orch.dlq.Add(DeadLetter{
			MachineID: req.target,
			EventName: req.event.Name,
			Reason:    "stranded at shutdown",
			Payload:   req.event.Data,
		})
		req.complete(EventResult{ErrorKind: ErrKindStopped, Error: "orchestrator stopped"})
		return
	}
	c.process(req)
}

func (c *eventChannel) drainRemaining() {
	for {
		select {
		case req := <-c.requests:
			c.handle(req)
		default:
			return
		}
	}
}

func (c *eventChannel) process(req *eventRequest) {
	start := time.Now()
	reg := c.orch.lookup(req.target)
	if reg == nil {
		res := EventResult{
			ErrorKind: ErrKindMachineNotFound,
			Error:     fmt.Sprintf("machine %q not registered", req.target),
		}
		req.complete(res)
		c.orch.callbacks.emitFailed(FailedEvent{
			MachineID:    req.target,
			EventName:    req.event.Name,
			ErrorKind:    ErrKindMachineNotFound,
			ErrorMessage: res.Error,
		})
		return
	}

	oc := xstatenet.NewOrchestratedContext(req.target)
	res := c.invoke(reg, req, oc)

	// Causal flush: everything the handling produced is enqueued before the
	// request is considered complete, so downstream machines observe the
	// consequences of this event before anything this machine does next.
	c.orch.flushDeferred(req.target, oc)

	res.Duration = time.Since(start)
	req.complete(res)

	if res.Success {
		c.orch.metrics.recordProcessed(req.target, res.Duration)
		c.orch.callbacks.emitProcessed(ProcessedEvent{
			MachineID: req.target,
			EventName: req.event.Name,
			OldConfig: res.Step.OldConfiguration,
			NewConfig: res.Step.NewConfiguration,
			Duration:  res.Duration,
		})
	} else {
		c.orch.metrics.recordFailed(req.target)
		c.orch.callbacks.emitFailed(FailedEvent{
			MachineID:    req.target,
			EventName:    req.event.Name,
			ErrorKind:    res.ErrorKind,
			ErrorMessage: res.Error,
		})
	}

	if res.Step.UnhandledErrorEvent {
		c.orch.dlq.Add(DeadLetter{
			MachineID: req.target,
			EventName: req.event.Name,
			Reason:    "error event bubbled out of root unhandled",
			Payload:   req.event.Data,
		})
	}
}

// invoke calls into the machine with panic containment: a handler panic is
// an event failure, never a dead consumer.
func (c *eventChannel) invoke(reg *registration, req *eventRequest, oc *xstatenet.OrchestratedContext) (res EventResult) {
	defer func() {
		if r := recover(); r != nil {
			res = EventResult{
				ErrorKind: ErrKindHandlerPanic,
				Error:     fmt.Sprintf("handler panic: %v", r),
			}
			c.orch.logger.Error("machine handler panicked",
				"machine", req.target, "event", req.event.Name, "panic", r)
		}
	}()

	ctx := c.orch.runCtx
	switch req.kind {
	case reqStart:
		if err := reg.handler.Start(ctx, oc); err != nil {
			return EventResult{ErrorKind: ErrKindMachineFault, Error: err.Error()}
		}
		return EventResult{Success: true, Step: xstatenet.StepResult{
			NewConfiguration: reg.handler.ConfigurationPaths(),
		}}
	case reqStop:
		if err := reg.handler.Stop(ctx, oc); err != nil {
			return EventResult{ErrorKind: ErrKindMachineFault, Error: err.Error()}
		}
		return EventResult{Success: true}
	default:
		sr := reg.handler.HandleEvent(ctx, req.event, oc)
		return resultFromStep(sr)
	}
}

func resultFromStep(sr xstatenet.StepResult) EventResult {
	res := EventResult{Step: sr}
	switch {
	case sr.Err == nil:
		res.Success = true
	case sr.Err == xstatenet.ErrInfiniteTransitionLoop:
		res.ErrorKind = ErrKindInfiniteLoop
		res.Error = sr.Err.Error()
	default:
		res.ErrorKind = ErrKindActionFailure
		res.Error = sr.Err.Error()
	}
	return res
}
