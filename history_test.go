package xstatenet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_ShallowHistory(t *testing.T) {
	m := mustMachine(t, `{
		id: 'hist',
		initial: 'player',
		states: {
			player: {
				initial: 'stopped',
				states: {
					stopped: { on: { PLAY: 'playing' } },
					playing: { on: { NEXT: 'paused' } },
					paused: {},
					h: { type: 'history' },
				},
				on: { POWER_OFF: 'off' },
			},
			off: { on: { POWER_ON: '.player.h' } },
		},
	}`, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))

	m.HandleEvent(context.Background(), NewEvent("PLAY", nil), nil)
	m.HandleEvent(context.Background(), NewEvent("NEXT", nil), nil)
	require.Equal(t, []string{"player.paused"}, m.ConfigurationPaths())

	m.HandleEvent(context.Background(), NewEvent("POWER_OFF", nil), nil)
	require.Equal(t, []string{"off"}, m.ConfigurationPaths())

	m.HandleEvent(context.Background(), NewEvent("POWER_ON", nil), nil)
	assert.Equal(t, []string{"player.paused"}, m.ConfigurationPaths(),
		"history restores the last active child")
}

func TestMachine_HistoryDefaultWhenEmpty(t *testing.T) {
	m := mustMachine(t, `{
		id: 'histdef',
		initial: 'off',
		states: {
			off: { on: { ON: '.work.h' } },
			work: {
				initial: 'first',
				states: {
					first: {},
					second: {},
					h: { type: 'history' },
				},
			},
		},
	}`, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))

	m.HandleEvent(context.Background(), NewEvent("ON", nil), nil)
	assert.Equal(t, []string{"work.first"}, m.ConfigurationPaths(),
		"no record yet, the default child is entered")
}

func TestMachine_DeepHistory(t *testing.T) {
	m := mustMachine(t, `{
		id: 'deephist',
		initial: 'app',
		states: {
			app: {
				initial: 'editor',
				states: {
					editor: {
						initial: 'insert',
						states: {
							insert: { on: { ESC: 'normal' } },
							normal: { on: { VISUAL: 'visual' } },
							visual: {},
						},
					},
					browser: {},
					h: { type: 'history', history: 'deep' },
				},
				on: { SUSPEND: 'suspended' },
			},
			suspended: { on: { RESUME: '.app.h' } },
		},
	}`, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))

	m.HandleEvent(context.Background(), NewEvent("ESC", nil), nil)
	m.HandleEvent(context.Background(), NewEvent("VISUAL", nil), nil)
	require.Equal(t, []string{"app.editor.visual"}, m.ConfigurationPaths())

	m.HandleEvent(context.Background(), NewEvent("SUSPEND", nil), nil)
	m.HandleEvent(context.Background(), NewEvent("RESUME", nil), nil)
	assert.Equal(t, []string{"app.editor.visual"}, m.ConfigurationPaths(),
		"deep history restores the full leaf set")
}

func TestMachine_HistoryClearedOnReset(t *testing.T) {
	m := mustMachine(t, `{
		id: 'histreset',
		initial: 'away',
		states: {
			box: {
				initial: 'a',
				states: {
					a: { on: { GO: 'b' } },
					b: {},
					h: { type: 'history' },
				},
				on: { OUT: 'away' },
			},
			away: { on: { BACK: '.box.h' } },
		},
	}`, NewRegistry())
	require.NoError(t, m.Start(context.Background(), nil))
	m.HandleEvent(context.Background(), NewEvent("BACK", nil), nil)
	m.HandleEvent(context.Background(), NewEvent("GO", nil), nil)
	m.HandleEvent(context.Background(), NewEvent("OUT", nil), nil)

	// History now records box.b; RESET lands in "away" without leaving box
	// again, so only the reset itself can erase that record.
	m.HandleEvent(context.Background(), NewEvent(EventReset, nil), nil)
	require.Equal(t, []string{"away"}, m.ConfigurationPaths())

	m.HandleEvent(context.Background(), NewEvent("BACK", nil), nil)
	assert.Equal(t, []string{"box.a"}, m.ConfigurationPaths(),
		"reset wiped the recorded history")
}
