package orchestrator

import (
	"sync"
	"time"
)

// ErrorKind tags the failure class carried on EventResult and FailedEvent.
// Callers branch on kinds, never on implementation-level error text.
type ErrorKind string

const (
	ErrKindNone             ErrorKind = ""
	ErrKindMachineNotFound  ErrorKind = "MachineNotFound"
	ErrKindChannelFull      ErrorKind = "ChannelFull"
	ErrKindActionFailure    ErrorKind = "ActionFailure"
	ErrKindInfiniteLoop     ErrorKind = "InfiniteTransitionLoop"
	ErrKindHandlerPanic     ErrorKind = "HandlerPanic"
	ErrKindStopped          ErrorKind = "OrchestratorStopped"
	ErrKindCancelled        ErrorKind = "Cancelled"
	ErrKindMachineFault     ErrorKind = "MachineFault"
)

// ProcessedEvent is published after a machine handles an event.
type ProcessedEvent struct {
	MachineID string
	EventName string
	OldConfig []string
	NewConfig []string
	Duration  time.Duration
}

// FailedEvent is published when handling fails.
type FailedEvent struct {
	MachineID    string
	EventName    string
	ErrorKind    ErrorKind
	ErrorMessage string
}

// callbackHub holds the observability callback registrations. Callbacks run
// on consumer goroutines and must return quickly.
type callbackHub struct {
	mu        sync.RWMutex
	processed []func(ProcessedEvent)
	failed    []func(FailedEvent)
}

func (h *callbackHub) onProcessed(fn func(ProcessedEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processed = append(h.processed, fn)
}

func (h *callbackHub) onFailed(fn func(FailedEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, fn)
}

func (h *callbackHub) emitProcessed(ev ProcessedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.processed {
		fn(ev)
	}
}

func (h *callbackHub) emitFailed(ev FailedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.failed {
		fn(ev)
	}
}
