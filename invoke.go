package xstatenet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvocationCancelled marks a service cancelled cooperatively on state
// exit. Informational: it never surfaces as an error event.
var ErrInvocationCancelled = errors.New("invocation cancelled")

// invokeToken ties a completion event back to the state entry that started
// the service.
type invokeToken struct {
	state   *StateNode
	seq     uint64
	payload any
}

type invocation struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// startInvocations launches the state's invoked services and activities.
// Each runs on its own goroutine; completion re-enters the machine as a
// synthetic done.invoke / error.invoke event through the emitter.
// Activities are invocations without completion events.
func (m *Machine) startInvocations(st *step, s *StateNode) {
	if len(s.Invokes) == 0 && len(s.Activities) == 0 {
		return
	}
	m.invSeq[s]++
	seq := m.invSeq[s]

	for _, def := range s.Invokes {
		m.launchService(st, s, seq, def.ID, def.Src, true)
	}
	for _, src := range s.Activities {
		m.launchService(st, s, seq, src, src, false)
	}
}

func (m *Machine) launchService(st *step, s *StateNode, seq uint64, id, src string, reportCompletion bool) {
	svc := m.registry.LookupService(src)
	ictx, cancel := context.WithCancel(context.Background())
	inv := &invocation{id: id, cancel: cancel, done: make(chan struct{})}
	m.invocations[s] = append(m.invocations[s], inv)

	ac := &ActionContext{Ctx: ictx, Event: st.result.Event, Orchestration: st.oc, machine: m}

	go func() {
		defer close(inv.done)
		result, err := runService(svc, ac)
		if ictx.Err() != nil {
			// Cancelled on state exit; nothing to report.
			m.logger.Debug("invocation cancelled", "machine", m.id, "invoke", id)
			return
		}
		if !reportCompletion {
			if err != nil {
				m.logger.Warn("activity ended with error", "machine", m.id, "activity", id, "error", err)
			}
			return
		}
		if err != nil {
			m.emitAsync(Event{
				Name: ErrorInvokeEvent(id),
				Data: invokeToken{state: s, seq: seq, payload: err},
			})
			return
		}
		m.emitAsync(Event{
			Name: DoneInvokeEvent(id),
			Data: invokeToken{state: s, seq: seq, payload: result},
		})
	}()
}

func runService(svc Service, ac *ActionContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("service panic: %v", r)
		}
	}()
	return svc(ac)
}

// cancelInvocations signals every service of the state and waits out a
// bounded grace period in the background; a service that ignores its
// cancellation past the grace window is logged as leaked.
func (m *Machine) cancelInvocations(s *StateNode) {
	invs := m.invocations[s]
	if len(invs) == 0 {
		return
	}
	m.invSeq[s]++
	delete(m.invocations, s)
	for _, inv := range invs {
		inv.cancel()
		go func(inv *invocation) {
			select {
			case <-inv.done:
			case <-time.After(m.invokeGrace):
				m.logger.Warn("invocation ignored cancellation",
					"machine", m.id, "invoke", inv.id, "grace", m.invokeGrace)
			}
		}(inv)
	}
}
