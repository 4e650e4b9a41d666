package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelGroup_RegisterAndRelease(t *testing.T) {
	o := New(testConfig())
	defer o.Stop(context.Background())

	group := o.CreateChannelGroup("test-group")
	assert.Equal(t, "test-group", group.Name())
	assert.False(t, group.Released())

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := group.Register("worker", newToggleMachine(t, fmt.Sprintf("w%d", i)))
		require.NoError(t, err)
		assert.Contains(t, id, fmt.Sprintf("#%d#", group.GroupID()))
		ids = append(ids, id)
	}
	require.Len(t, o.MachineIDs(), 5)

	// Another group's machines survive the release.
	other := o.CreateChannelGroup("other")
	otherID, err := other.Register("keeper", newToggleMachine(t, "k"))
	require.NoError(t, err)

	removed := group.Release()
	assert.Equal(t, 5, removed)
	assert.True(t, group.Released())
	assert.Equal(t, []string{otherID}, o.MachineIDs())

	for _, id := range ids {
		res := o.SendAsync(context.Background(), "test", id, "TOGGLE", nil)
		assert.Equal(t, ErrKindMachineNotFound, res.ErrorKind)
	}
}

func TestChannelGroup_UseAfterRelease(t *testing.T) {
	o := New(testConfig())
	defer o.Stop(context.Background())

	group := o.CreateChannelGroup("gone")
	group.Release()

	_, err := group.NewMachineID("base")
	assert.ErrorIs(t, err, ErrGroupReleased)
	_, err = group.Register("base", newToggleMachine(t, "x"))
	assert.ErrorIs(t, err, ErrGroupReleased)
	assert.Zero(t, group.Release(), "second release is a no-op")
}

func TestChannelGroup_MonotonicIDs(t *testing.T) {
	o := New(testConfig())
	defer o.Stop(context.Background())

	g1 := o.CreateChannelGroup("a")
	g2 := o.CreateChannelGroup("b")
	assert.Greater(t, g2.GroupID(), g1.GroupID())
}

func TestDefaultManager_Singleton(t *testing.T) {
	ResetDefault()
	t.Cleanup(ResetDefault)

	first := Default()
	second := Default()
	assert.Same(t, first, second)
	require.NoError(t, first.Stop(context.Background()))
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("XSTATENET_POOL_SIZE", "8")
	t.Setenv("XSTATENET_FAIL_FAST", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.True(t, cfg.FailFast)
	assert.Equal(t, 10000, cfg.ChannelCapacity, "unset vars keep defaults")
}

func TestConfig_Normalization(t *testing.T) {
	cfg := Config{PoolSize: -1, GrowthFactor: 0.5, ShrinkThreshold: 2}.normalized()
	d := DefaultConfig()
	assert.Equal(t, d.PoolSize, cfg.PoolSize)
	assert.Equal(t, d.GrowthFactor, cfg.GrowthFactor)
	assert.Equal(t, d.ShrinkThreshold, cfg.ShrinkThreshold)
}
