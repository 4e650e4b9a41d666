package xstatenet

import "strings"

// Event is the value dispatched into a machine. Events are immutable after
// construction; Data holds an arbitrary caller-owned payload.
type Event struct {
	Name string
	Data any
}

// NewEvent creates an Event. Returned by value for stack allocation.
func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data}
}

// Reserved event names raised by the runtime itself.
const (
	// EventReset is handled by every started machine: unless the chart
	// declares its own RESET transition in an active state, the machine
	// exits its configuration and re-enters the initial one.
	EventReset = "RESET"

	// EventStateTimeout is injected by the timeout protector when a state
	// overstays its configured budget.
	EventStateTimeout = "STATE_TIMEOUT"

	// EventTimeout is the generic synthetic timeout event.
	EventTimeout = "TIMEOUT"
)

// DoneStateEvent returns the synthetic event name raised when a compound or
// parallel state reaches completion, e.g. "done.state.job".
func DoneStateEvent(statePath string) string {
	return "done.state." + statePath
}

// DoneInvokeEvent returns the event name raised when an invoked service
// finishes successfully.
func DoneInvokeEvent(invokeID string) string {
	return "done.invoke." + invokeID
}

// ErrorInvokeEvent returns the event name raised when an invoked service
// fails.
func ErrorInvokeEvent(invokeID string) string {
	return "error.invoke." + invokeID
}

// IsErrorEvent reports whether the event name denotes a runtime error event
// (currently only invocation failures).
func IsErrorEvent(name string) bool {
	return strings.HasPrefix(name, "error.")
}
