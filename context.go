package xstatenet

import "time"

// Send targets with special meaning to the orchestrator.
const (
	// SelfTarget routes a deferred send back to the producing machine.
	SelfTarget = "@self"
	// BroadcastTarget fans a deferred send out to every registered machine
	// except the producer. Broadcast is local-only: machines living in other
	// processes are reached by an explicit RequestSend to their id through
	// an attached remote relay.
	BroadcastTarget = "*"
)

// DeferredSend is an inter-machine event request queued by an action and
// dispatched by the orchestrator only after the producing event commits.
type DeferredSend struct {
	SourceMachineID string
	TargetMachineID string
	EventName       string
	Payload         any
	EnqueuedAt      time.Time
}

// OrchestratedContext is the per-event scratchpad passed to every action,
// guard, and service invocation. Actions never invoke another machine's
// event handler directly; all cross-machine communication is appended here
// and flushed by the orchestrator after the transition commits. That single
// rule is what eliminates re-entrant deadlock.
type OrchestratedContext struct {
	machineID     string
	configuration []string
	contextView   map[string]any
	deferred      []DeferredSend
	now           func() time.Time
}

// NewOrchestratedContext creates a context for one event handling. The
// orchestrator creates one per dequeued event; tests driving a Machine
// directly may create their own.
func NewOrchestratedContext(machineID string) *OrchestratedContext {
	return &OrchestratedContext{machineID: machineID, now: time.Now}
}

// MachineID returns the id of the machine this event is being handled by.
func (oc *OrchestratedContext) MachineID() string { return oc.machineID }

// CurrentConfiguration returns the active state paths as of the start of
// this event handling.
func (oc *OrchestratedContext) CurrentConfiguration() []string {
	out := make([]string, len(oc.configuration))
	copy(out, oc.configuration)
	return out
}

// ContextValue returns a snapshot value from the machine's context map as of
// the start of this event handling.
func (oc *OrchestratedContext) ContextValue(key string) (any, bool) {
	v, ok := oc.contextView[key]
	return v, ok
}

// RequestSend queues an event for another machine. Delivery happens after
// the current transition commits, in request order.
func (oc *OrchestratedContext) RequestSend(targetID, event string, payload any) {
	oc.deferred = append(oc.deferred, DeferredSend{
		SourceMachineID: oc.machineID,
		TargetMachineID: targetID,
		EventName:       event,
		Payload:         payload,
		EnqueuedAt:      oc.now(),
	})
}

// RequestSelfSend queues an event back to the producing machine.
func (oc *OrchestratedContext) RequestSelfSend(event string, payload any) {
	oc.RequestSend(SelfTarget, event, payload)
}

// RequestBroadcast queues an event for every other registered machine.
func (oc *OrchestratedContext) RequestBroadcast(event string, payload any) {
	oc.RequestSend(BroadcastTarget, event, payload)
}

// DeferredSends returns and clears the accumulated sends. Called by the
// orchestrator once the producing event has committed.
func (oc *OrchestratedContext) DeferredSends() []DeferredSend {
	out := oc.deferred
	oc.deferred = nil
	return out
}

// snapshotMachine captures the read-only view exposed to actions. The copy
// is taken before the first action runs; mid-step mutations are invisible
// to the view, matching the rule that recipients never observe a
// transition's intermediate state.
func (oc *OrchestratedContext) snapshotMachine(m *Machine) {
	oc.configuration = m.ConfigurationPaths()
	oc.contextView = make(map[string]any, len(m.contextMap))
	for k, v := range m.contextMap {
		oc.contextView[k] = v
	}
}
