package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexExclusive(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	token, ok, err := m.TryLock(ctx, "billing:subscription:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = m.TryLock(ctx, "billing:subscription:1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second acquisition of a held key must fail")

	// A different key is independent.
	_, ok, err = m.TryLock(ctx, "billing:subscription:2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, "billing:subscription:1", token))
	_, ok, err = m.TryLock(ctx, "billing:subscription:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeyedMutexReleaseRequiresToken(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	token, ok, err := m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale token from another holder must not release the lock.
	require.NoError(t, m.Release(ctx, "k", "k:999"))
	_, ok, err = m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Release(ctx, "k", token))
	_, ok, err = m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeyedMutexCancelledContext(t *testing.T) {
	m := NewKeyedMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := m.TryLock(ctx, "k", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ok)
}

func TestKeyedMutexSingleWinnerUnderContention(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	wins := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := m.TryLock(ctx, "contended", time.Minute)
			require.NoError(t, err)
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}
