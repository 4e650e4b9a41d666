package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedChannel_WaitBlocksUntilCapacity(t *testing.T) {
	ch, err := NewBoundedChannel[int]("wait", 1)
	require.NoError(t, err)

	ok, err := ch.WriteAsync(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.WriteAsync(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "full channel suspends the producer")

	item, ok := ch.TryRead()
	require.True(t, ok)
	assert.Equal(t, 1, item)

	ok, err = ch.WriteAsync(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBoundedChannel_DropNewestLaw(t *testing.T) {
	const capacity = 5
	ch, err := NewBoundedChannel[int]("dropnew", capacity, WithStrategy[int](OverflowDropNewest))
	require.NoError(t, err)

	// C+1 writes with no reads: the first C succeed, the last fails.
	for i := 1; i <= capacity; i++ {
		ok, err := ch.WriteAsync(context.Background(), i)
		require.NoError(t, err)
		require.True(t, ok, "write %d", i)
	}
	ok, err := ch.WriteAsync(context.Background(), capacity+1)
	require.NoError(t, err)
	assert.False(t, ok, "write C+1 is discarded")

	item, ok, err := ch.ReadAsync(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, item, "subsequent read returns the oldest")

	assert.Equal(t, int64(1), ch.Stats().Dropped)
}

func TestBoundedChannel_DropOldest(t *testing.T) {
	ch, err := NewBoundedChannel[int]("dropold", 2, WithStrategy[int](OverflowDropOldest))
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		ok, err := ch.WriteAsync(context.Background(), i)
		require.NoError(t, err)
		require.True(t, ok, "drop-oldest always admits the new item")
	}

	a, _ := ch.TryRead()
	b, _ := ch.TryRead()
	assert.Equal(t, []int{3, 4}, []int{a, b}, "the reader observes the loss of 1 and 2")
	assert.Equal(t, int64(2), ch.Stats().Dropped)
}

func TestBoundedChannel_RedirectScenario(t *testing.T) {
	overflow, err := NewBoundedChannel[int]("overflow", 10)
	require.NoError(t, err)
	main, err := NewBoundedChannel[int]("main", 2,
		WithStrategy[int](OverflowRedirect), WithRedirect(overflow))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		ok, err := main.WriteAsync(context.Background(), i)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var fromMain, fromOverflow []int
	for {
		item, ok := main.TryRead()
		if !ok {
			break
		}
		fromMain = append(fromMain, item)
	}
	for {
		item, ok := overflow.TryRead()
		if !ok {
			break
		}
		fromOverflow = append(fromOverflow, item)
	}

	assert.Equal(t, []int{1, 2}, fromMain)
	assert.Equal(t, []int{3, 4, 5}, fromOverflow,
		"redirected items preserve source order within the overflow channel")
	assert.Equal(t, int64(3), main.Stats().Redirected)
}

func TestBoundedChannel_RedirectFullDrops(t *testing.T) {
	overflow, err := NewBoundedChannel[int]("tiny-overflow", 1)
	require.NoError(t, err)
	main, err := NewBoundedChannel[int]("tiny-main", 1,
		WithStrategy[int](OverflowRedirect), WithRedirect(overflow))
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		ok, err := main.WriteAsync(context.Background(), i)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := main.WriteAsync(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, ok, "both channels full: the write reports failure")
}

func TestBoundedChannel_StrategyConflictRejected(t *testing.T) {
	_, err := NewBoundedChannel[int]("bad", 1,
		WithStrategy[int](OverflowDropNewest),
		WithBaseFullMode[int](BaseFailFast))
	assert.ErrorIs(t, err, ErrStrategyConflict)

	_, err = NewBoundedChannel[int]("noredirect", 1, WithStrategy[int](OverflowRedirect))
	assert.ErrorIs(t, err, ErrRedirectTargetRequired)

	_, err = NewBoundedChannel[int]("nocap", 0)
	assert.Error(t, err)
}

func TestBoundedChannel_CloseSemantics(t *testing.T) {
	ch, err := NewBoundedChannel[string]("close", 4)
	require.NoError(t, err)

	ok, err := ch.WriteAsync(context.Background(), "last")
	require.NoError(t, err)
	require.True(t, ok)

	ch.Close()
	ch.Close() // idempotent

	_, err = ch.WriteAsync(context.Background(), "rejected")
	assert.ErrorIs(t, err, ErrChannelClosed)

	item, ok, err := ch.ReadAsync(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "last", item, "queued items remain readable after close")

	_, ok, err = ch.ReadAsync(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrChannelClosed, "(false, default) only once drained and closed")
}
