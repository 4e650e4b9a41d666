package xstatenet

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toggleChart = `{
	id: 'toggle',
	initial: 'off',
	states: {
		off: { on: { TOGGLE: 'on' } },
		on:  { on: { TOGGLE: 'off' } },
	},
}`

func TestParseChart_RelaxedDialect(t *testing.T) {
	chart, err := ParseChartString(toggleChart)
	require.NoError(t, err)

	assert.Equal(t, "toggle", chart.ID)
	require.NotNil(t, chart.Root.Initial)
	assert.Equal(t, "off", chart.Root.Initial.Name)

	off := chart.StateByPath("off")
	require.NotNil(t, off)
	assert.Equal(t, KindAtomic, off.Kind)
	require.Len(t, off.Transitions["TOGGLE"], 1)
	assert.Equal(t, "on", off.Transitions["TOGGLE"][0].Target.Path)
}

func TestParseChart_NestedAndKinds(t *testing.T) {
	chart, err := ParseChartString(`{
		id: 'job',
		initial: 'pending',
		states: {
			pending: { on: { RUN: 'running' } },
			running: {
				initial: 'warm',
				entry: ['logStart'],
				exit: 'logStop',
				states: {
					warm: { on: { READY: 'hot' } },
					hot:  { on: { FINISH: '.done' } },
				},
			},
			done: { type: 'final' },
		},
	}`)
	require.NoError(t, err)

	running := chart.StateByPath("running")
	require.NotNil(t, running)
	assert.Equal(t, KindCompound, running.Kind)
	assert.Equal(t, []string{"logStart"}, running.Entry)
	assert.Equal(t, []string{"logStop"}, running.Exit)

	hot := chart.StateByPath("running.hot")
	require.NotNil(t, hot)
	// Leading dot resolves from the root.
	assert.Equal(t, "done", hot.Transitions["FINISH"][0].Target.Path)
	assert.Equal(t, KindFinal, chart.StateByPath("done").Kind)

	assert.Contains(t, chart.ReferencedActions, "logStart")
	assert.Contains(t, chart.ReferencedActions, "logStop")
}

func TestParseChart_TransitionSugar(t *testing.T) {
	chart, err := ParseChartString(`{
		id: 'sugar',
		initial: 'idle',
		states: {
			idle: {
				on: {
					GO: [
						{ target: 'run', cond: 'isReady' },
						{ target: 'wait' },
					],
					PING: { actions: ['pong'] },
				},
			},
			run: {},
			wait: {},
		},
	}`)
	require.NoError(t, err)

	idle := chart.StateByPath("idle")
	gos := idle.Transitions["GO"]
	require.Len(t, gos, 2)
	assert.Equal(t, []string{"isReady"}, gos[0].Guards)
	assert.Equal(t, "run", gos[0].Target.Path)
	assert.Nil(t, gos[1].Guards)

	ping := idle.Transitions["PING"][0]
	assert.Nil(t, ping.Target)
	assert.Equal(t, TransitionInternal, ping.Kind())
	assert.Contains(t, chart.ReferencedGuards, "isReady")
	assert.Contains(t, chart.ReferencedActions, "pong")
}

func TestParseChart_Errors(t *testing.T) {
	cases := []struct {
		name  string
		chart string
		want  string
	}{
		{"missing id", `{initial: 'a', states: {a: {}}}`, "machine id"},
		{"unknown kind", `{id: 'x', initial: 'a', states: {a: {type: 'quantum'}}}`, "unknown state kind"},
		{"bad target", `{id: 'x', initial: 'a', states: {a: {on: {GO: 'nowhere'}}}}`, "cannot resolve"},
		{"bad initial", `{id: 'x', initial: 'zz', states: {a: {}}}`, "initial state"},
		{"bad delay", `{id: 'x', initial: 'a', states: {a: {after: {soon: 'a'}}}}`, "millisecond"},
		{"unbalanced", `{id: 'x', initial: 'a', states: {a: {}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseChartString(tc.chart)
			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			if tc.want != "" {
				assert.Contains(t, pe.Reason, tc.want)
			}
		})
	}
}

func TestParseChart_SizeAndDepthLimits(t *testing.T) {
	_, err := ParseChart(make([]byte, MaxChartBytes+1))
	require.Error(t, err)

	var sb strings.Builder
	sb.WriteString(`{id: 'deep', initial: 's', states: {`)
	for i := 0; i <= MaxChartDepth; i++ {
		sb.WriteString(`s: {initial: 's', states: {`)
	}
	sb.WriteString(`s: {}`)
	for i := 0; i <= MaxChartDepth; i++ {
		sb.WriteString(`}}`)
	}
	sb.WriteString(`}}`)
	_, err = ParseChartString(sb.String())
	require.Error(t, err)
	var pe *ParseError
	if assert.ErrorAs(t, err, &pe) {
		assert.Contains(t, pe.Reason, "depth")
	}
}

func TestChart_Bind(t *testing.T) {
	chart, err := ParseChartString(`{
		id: 'bound',
		initial: 'a',
		states: {
			a: { entry: 'hello', on: { GO: { target: 'b', guard: 'ok' } } },
			b: { invoke: { src: 'fetch' } },
		},
	}`)
	require.NoError(t, err)

	reg := NewRegistry()
	err = chart.Bind(reg)
	require.ErrorIs(t, err, ErrUnregisteredName)
	assert.Contains(t, err.Error(), "action:hello")
	assert.Contains(t, err.Error(), "guard:ok")
	assert.Contains(t, err.Error(), "service:fetch")

	reg.RegisterAction("hello", func(*ActionContext) error { return nil }).
		RegisterGuard("ok", func(*ActionContext) (bool, error) { return true, nil }).
		RegisterService("fetch", func(*ActionContext) (any, error) { return nil, nil })
	require.NoError(t, chart.Bind(reg))
}

func TestChart_SerializeRoundTrip(t *testing.T) {
	chart, err := ParseChartString(`{
		id: 'round',
		initial: 'a',
		states: {
			a: {
				entry: ['e1', 'e2'],
				on: { GO: { target: 'b', guard: 'g', actions: ['act'] }, STAY: { internal: true, actions: 'noop' } },
				after: { '250': 'b' },
			},
			b: {
				initial: 'b1',
				states: {
					b1: { on: { UP: '.a' } },
					b2: { type: 'final' },
					hist: { type: 'history', history: 'deep' },
				},
				invoke: { src: 'job', onDone: '.a', onError: '.a' },
			},
		},
	}`)
	require.NoError(t, err)

	first, err := json.Marshal(chart)
	require.NoError(t, err)

	reparsed, err := ParseChart(first)
	require.NoError(t, err)
	second, err := json.Marshal(reparsed)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))

	// Spot-check the reparsed tree matches the original shape.
	assert.Equal(t, chart.ReferencedActions, reparsed.ReferencedActions)
	assert.Equal(t, chart.ReferencedGuards, reparsed.ReferencedGuards)
	assert.Equal(t, chart.ReferencedServices, reparsed.ReferencedServices)
	require.NotNil(t, reparsed.StateByPath("b.hist"))
	assert.Equal(t, HistoryDeep, reparsed.StateByPath("b.hist").Hist)
}
