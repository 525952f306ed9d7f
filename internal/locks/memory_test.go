package locks

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLockerExclusive(t *testing.T) {
	l := NewMemoryLocker(zap.NewNop())
	ctx := context.Background()

	h1, ok, err := l.TryAcquire(ctx, "session_run:abc")
	require.NoError(t, err)
	require.True(t, ok)

	// Second acquire on the same name must fail without blocking.
	_, ok, err = l.TryAcquire(ctx, "session_run:abc")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different name is independent.
	h2, ok, err := l.TryAcquire(ctx, "finalize:abc")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h1.Release())
	require.NoError(t, h2.Release())

	// Released lock can be taken again.
	h3, ok, err := l.TryAcquire(ctx, "session_run:abc")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, h3.Release())
}

func TestMemoryLockerReleaseIdempotent(t *testing.T) {
	l := NewMemoryLocker(zap.NewNop())
	h, ok, err := l.TryAcquire(context.Background(), "openai_queue")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())

	_, ok, err = l.TryAcquire(context.Background(), "openai_queue")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockerConcurrentSingleWinner(t *testing.T) {
	l := NewMemoryLocker(zap.NewNop())
	ctx := context.Background()

	const racers = 32
	var wg sync.WaitGroup
	winners := make(chan Handle, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, ok, _ := l.TryAcquire(ctx, "session_run:race"); ok {
				winners <- h
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for h := range winners {
		count++
		require.NoError(t, h.Release())
	}
	assert.Equal(t, 1, count, "exactly one racer should acquire the lock")
}

func TestLockNames(t *testing.T) {
	assert.Equal(t, "session_run:s1", SessionRunLock("s1"))
	assert.Equal(t, "gemini_queue", ProviderQueueLock("gemini"))
	assert.Equal(t, "finalize:s1", FinalizeLock("s1"))
}
