package xstatenet

import (
	"fmt"
	"time"
)

// Clock abstracts timer scheduling so tests can drive after-transitions
// deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending timer.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// afterToken ties a fired timer back to the state entry that scheduled it.
// A stale token (state exited or re-entered since) is discarded on arrival.
type afterToken struct {
	state *StateNode
	seq   uint64
}

func afterEventName(s *StateNode, delay time.Duration) string {
	return fmt.Sprintf("after.%d.%s", delay.Milliseconds(), s.Path)
}

// scheduleAfters arms one timer per after-edge of the entered state. The
// fired event is injected through the emitter so it lines up behind other
// events on the machine's channel.
func (m *Machine) scheduleAfters(s *StateNode) {
	if len(s.After) == 0 {
		return
	}
	m.afterSeq[s]++
	seq := m.afterSeq[s]
	for _, dt := range s.After {
		name := afterEventName(s, dt.Delay)
		timer := m.clock.AfterFunc(dt.Delay, func() {
			m.emitAsync(Event{Name: name, Data: afterToken{state: s, seq: seq}})
		})
		m.timers[s] = append(m.timers[s], timer)
	}
}

// cancelAfters disarms the state's timers and invalidates tokens already in
// flight.
func (m *Machine) cancelAfters(s *StateNode) {
	if len(s.After) == 0 {
		return
	}
	m.afterSeq[s]++
	for _, timer := range m.timers[s] {
		timer.Stop()
	}
	delete(m.timers, s)
}
