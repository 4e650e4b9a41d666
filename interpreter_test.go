package xstatenet

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects action invocations in order.
type recorder struct {
	calls []string
}

func (r *recorder) action(name string) Action {
	return func(ac *ActionContext) error {
		r.calls = append(r.calls, name)
		return nil
	}
}

func mustMachine(t *testing.T, chartSrc string, reg *Registry, opts ...MachineOption) *Machine {
	t.Helper()
	chart, err := ParseChartString(chartSrc)
	require.NoError(t, err)
	m, err := NewMachine(chart.ID, chart, reg, opts...)
	require.NoError(t, err)
	return m
}

func TestMachine_Toggle(t *testing.T) {
	m := mustMachine(t, toggleChart, NewRegistry())
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, nil))
	assert.Equal(t, []string{"off"}, m.ConfigurationPaths())

	res := m.HandleEvent(ctx, NewEvent("TOGGLE", nil), nil)
	assert.True(t, res.Transitioned)
	assert.Equal(t, []string{"on"}, res.NewConfiguration)

	res = m.HandleEvent(ctx, NewEvent("TOGGLE", nil), nil)
	assert.Equal(t, []string{"off"}, res.NewConfiguration)
}

func TestMachine_UnmatchedEventDiscarded(t *testing.T) {
	m := mustMachine(t, toggleChart, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))

	res := m.HandleEvent(context.Background(), NewEvent("NOPE", nil), nil)
	assert.False(t, res.Transitioned)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"off"}, m.ConfigurationPaths())
}

func TestMachine_GuardedTransition(t *testing.T) {
	chartSrc := `{
		id: 'guarded',
		initial: 'idle',
		states: {
			idle: { on: { GO: [ { target: 'run', guard: 'isReady' }, { target: 'wait' } ] } },
			run: {},
			wait: {},
		},
	}`
	ready := false
	reg := NewRegistry().RegisterGuard("isReady", func(*ActionContext) (bool, error) {
		return ready, nil
	})

	m := mustMachine(t, chartSrc, reg)
	require.NoError(t, m.Start(context.Background(), nil))
	m.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	assert.Equal(t, []string{"wait"}, m.ConfigurationPaths())

	ready = true
	m2 := mustMachine(t, chartSrc, reg)
	require.NoError(t, m2.Start(context.Background(), nil))
	m2.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	assert.Equal(t, []string{"run"}, m2.ConfigurationPaths())
}

func TestMachine_GuardErrorTreatedAsFalse(t *testing.T) {
	reg := NewRegistry().RegisterGuard("boom", func(*ActionContext) (bool, error) {
		return false, errors.New("guard blew up")
	})
	m := mustMachine(t, `{
		id: 'g',
		initial: 'a',
		states: {
			a: { on: { GO: [ { target: 'b', guard: 'boom' }, { target: 'c' } ] } },
			b: {},
			c: {},
		},
	}`, reg)
	require.NoError(t, m.Start(context.Background(), nil))

	res := m.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	assert.Equal(t, []string{"c"}, res.NewConfiguration)
	require.Len(t, res.GuardErrors, 1)
	assert.Equal(t, "boom", res.GuardErrors[0].Guard)
}

func TestMachine_EntryExitOrder(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	for _, name := range []string{"exA2", "exA1", "exA", "tAct", "enB", "enB1", "enB2"} {
		reg.RegisterAction(name, rec.action(name))
	}
	m := mustMachine(t, `{
		id: 'order',
		initial: 'a',
		states: {
			a: {
				exit: 'exA',
				initial: 'a1',
				states: {
					a1: { exit: 'exA1', initial: 'a2', states: { a2: { exit: 'exA2' } } },
				},
				on: { GO: { target: '.b.b1.b2', actions: 'tAct' } },
			},
			b: {
				entry: 'enB',
				initial: 'b1',
				states: {
					b1: { entry: 'enB1', initial: 'b2', states: { b2: { entry: 'enB2' } } },
				},
			},
		},
	}`, reg)
	require.NoError(t, m.Start(context.Background(), nil))
	rec.calls = nil

	res := m.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	require.True(t, res.Transitioned)
	// Exits deepest-first, then transition actions, then entries
	// shallowest-first; no action runs twice.
	assert.Equal(t, []string{"exA2", "exA1", "exA", "tAct", "enB", "enB1", "enB2"}, rec.calls)
}

func TestMachine_StartStopSymmetry(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	for _, name := range []string{"enOuter", "enInner", "exInner", "exOuter"} {
		reg.RegisterAction(name, rec.action(name))
	}
	m := mustMachine(t, `{
		id: 'sym',
		initial: 'outer',
		states: {
			outer: {
				entry: 'enOuter', exit: 'exOuter',
				initial: 'inner',
				states: { inner: { entry: 'enInner', exit: 'exInner' } },
			},
		},
	}`, reg)

	require.NoError(t, m.Start(context.Background(), nil))
	require.NoError(t, m.Stop(context.Background(), nil))
	assert.Equal(t, []string{"enOuter", "enInner", "exInner", "exOuter"}, rec.calls)
	assert.Empty(t, m.ConfigurationPaths())
}

func TestMachine_SelfVsInternal(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry().
		RegisterAction("en", rec.action("en")).
		RegisterAction("ex", rec.action("ex")).
		RegisterAction("act", rec.action("act"))
	m := mustMachine(t, `{
		id: 'self',
		initial: 's',
		states: {
			s: {
				entry: 'en', exit: 'ex',
				on: {
					SELF: { target: 's', actions: 'act' },
					INT:  { actions: 'act' },
				},
			},
		},
	}`, reg)
	require.NoError(t, m.Start(context.Background(), nil))
	rec.calls = nil

	m.HandleEvent(context.Background(), NewEvent("INT", nil), nil)
	assert.Equal(t, []string{"act"}, rec.calls, "internal transition must not exit or enter")

	rec.calls = nil
	m.HandleEvent(context.Background(), NewEvent("SELF", nil), nil)
	assert.Equal(t, []string{"ex", "act", "en"}, rec.calls, "self transition exits and re-enters")
}

func TestMachine_AlwaysTransitions(t *testing.T) {
	hot := false
	reg := NewRegistry().RegisterGuard("isHot", func(*ActionContext) (bool, error) {
		return hot, nil
	})
	m := mustMachine(t, `{
		id: 'always',
		initial: 'check',
		states: {
			check: { always: [ { target: 'hot', guard: 'isHot' }, { target: 'cold' } ] },
			hot: {},
			cold: { on: { RETRY: 'check' } },
		},
	}`, reg)

	require.NoError(t, m.Start(context.Background(), nil))
	assert.Equal(t, []string{"cold"}, m.ConfigurationPaths(), "always chain runs on start")

	hot = true
	m.HandleEvent(context.Background(), NewEvent("RETRY", nil), nil)
	assert.Equal(t, []string{"hot"}, m.ConfigurationPaths())
}

func TestMachine_InfiniteTransitionLoop(t *testing.T) {
	m := mustMachine(t, `{
		id: 'loop',
		initial: 'a',
		states: {
			a: { always: 'b' },
			b: { always: 'a' },
		},
	}`, NewRegistry())

	err := m.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrInfiniteTransitionLoop)
	assert.True(t, m.Failed())

	res := m.HandleEvent(context.Background(), NewEvent("ANY", nil), nil)
	assert.ErrorIs(t, res.Err, ErrInfiniteTransitionLoop)
}

func TestMachine_ActionErrorsContinue(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry().
		RegisterAction("bad", func(*ActionContext) error { return errors.New("nope") }).
		RegisterAction("good", rec.action("good"))
	m := mustMachine(t, `{
		id: 'acts',
		initial: 'a',
		states: {
			a: { on: { GO: { target: 'b', actions: ['bad', 'good'] } } },
			b: {},
		},
	}`, reg)
	require.NoError(t, m.Start(context.Background(), nil))

	res := m.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	assert.NoError(t, res.Err)
	require.Len(t, res.ActionErrors, 1)
	assert.Equal(t, "bad", res.ActionErrors[0].Action)
	assert.Equal(t, []string{"good"}, rec.calls, "later actions still run")
	assert.Equal(t, []string{"b"}, res.NewConfiguration)
}

func TestMachine_StrictModeAborts(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry().
		RegisterAction("bad", func(*ActionContext) error { return errors.New("nope") }).
		RegisterAction("good", rec.action("good"))
	m := mustMachine(t, `{
		id: 'strict',
		initial: 'a',
		states: {
			a: { on: { GO: { target: 'b', actions: ['bad', 'good'] } } },
			b: {},
		},
	}`, reg, WithStrictActions())
	require.NoError(t, m.Start(context.Background(), nil))

	res := m.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	require.Error(t, res.Err)
	assert.Empty(t, rec.calls)
}

func TestMachine_ActionPanicContained(t *testing.T) {
	reg := NewRegistry().RegisterAction("explode", func(*ActionContext) error {
		panic("kaboom")
	})
	m := mustMachine(t, `{
		id: 'panic',
		initial: 'a',
		states: {
			a: { on: { GO: { target: 'b', actions: 'explode' } } },
			b: {},
		},
	}`, reg)
	require.NoError(t, m.Start(context.Background(), nil))

	res := m.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	require.Len(t, res.ActionErrors, 1)
	assert.Contains(t, res.ActionErrors[0].Err.Error(), "kaboom")
	assert.Equal(t, []string{"b"}, res.NewConfiguration)
}

func TestMachine_ContextMap(t *testing.T) {
	reg := NewRegistry().RegisterAction("bump", func(ac *ActionContext) error {
		n, _ := ac.Get("count")
		count, _ := n.(int)
		ac.Set("count", count+1)
		return nil
	})
	m := mustMachine(t, `{
		id: 'ctx',
		initial: 'a',
		states: { a: { on: { BUMP: { actions: 'bump' } } } },
	}`, reg)
	require.NoError(t, m.Start(context.Background(), nil))

	for i := 0; i < 3; i++ {
		m.HandleEvent(context.Background(), NewEvent("BUMP", nil), nil)
	}
	assert.Equal(t, 3, m.ContextSnapshot()["count"])
}

func TestMachine_BuiltinReset(t *testing.T) {
	m := mustMachine(t, toggleChart, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))
	m.HandleEvent(context.Background(), NewEvent("TOGGLE", nil), nil)
	require.Equal(t, []string{"on"}, m.ConfigurationPaths())

	res := m.HandleEvent(context.Background(), NewEvent(EventReset, nil), nil)
	assert.True(t, res.Transitioned)
	assert.Equal(t, []string{"off"}, m.ConfigurationPaths())
}

func TestMachine_ChartResetOverridesBuiltin(t *testing.T) {
	m := mustMachine(t, `{
		id: 'ovr',
		initial: 'a',
		states: {
			a: { on: { GO: 'b' } },
			b: { on: { RESET: 'c' } },
			c: {},
		},
	}`, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))
	m.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	m.HandleEvent(context.Background(), NewEvent(EventReset, nil), nil)
	assert.Equal(t, []string{"c"}, m.ConfigurationPaths(), "chart-declared RESET wins")
}

func TestMachine_DoneStateEvent(t *testing.T) {
	m := mustMachine(t, `{
		id: 'comp',
		initial: 'work',
		states: {
			work: {
				initial: 'step',
				states: {
					step: { on: { FINISH: 'end' } },
					end: { type: 'final' },
				},
				on: { 'done.state.work': 'after' },
			},
			after: {},
		},
	}`, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))

	m.HandleEvent(context.Background(), NewEvent("FINISH", nil), nil)
	assert.Equal(t, []string{"after"}, m.ConfigurationPaths())
}

func TestMachine_TopLevelFinal(t *testing.T) {
	m := mustMachine(t, `{
		id: 'fin',
		initial: 'a',
		states: {
			a: { on: { END: 'b' } },
			b: { type: 'final' },
		},
	}`, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))
	assert.False(t, m.Done())
	m.HandleEvent(context.Background(), NewEvent("END", nil), nil)
	assert.True(t, m.Done())
}

func TestMachine_DeepNesting(t *testing.T) {
	// A transition at maximal practical nesting must not overflow.
	depth := MaxChartDepth - 2
	src := "{id: 'deep', initial: 's0', states: {"
	for i := 0; i < depth; i++ {
		src += fmt.Sprintf("s%d: {initial: 's%d', states: {", i, i+1)
	}
	src += fmt.Sprintf("s%d: {on: {POP: '.s0'}}", depth)
	for i := 0; i < depth; i++ {
		src += "}}"
	}
	src += "}}"

	m := mustMachine(t, src, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))
	res := m.HandleEvent(context.Background(), NewEvent("POP", nil), nil)
	require.True(t, res.Transitioned)
}
