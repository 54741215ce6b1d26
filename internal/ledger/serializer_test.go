package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializerMutualExclusion(t *testing.T) {
	s := NewAccountSerializer()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Acquire(ctx, "user-1")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "critical section must never overlap for the same user")
}

func TestSerializerDistinctUsersConcurrent(t *testing.T) {
	s := NewAccountSerializer()
	ctx := context.Background()

	r1, err := s.Acquire(ctx, "user-a")
	require.NoError(t, err)
	defer r1()

	// A different user must not be blocked by user-a's lock.
	done := make(chan struct{})
	go func() {
		r2, err := s.Acquire(ctx, "user-b")
		assert.NoError(t, err)
		r2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second user blocked behind an unrelated lock")
	}
}

func TestSerializerTryAcquireTimeout(t *testing.T) {
	s := NewAccountSerializer()
	ctx := context.Background()

	release, err := s.Acquire(ctx, "user-1")
	require.NoError(t, err)

	_, err = s.TryAcquire(ctx, "user-1", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)

	release()

	r2, err := s.TryAcquire(ctx, "user-1", 20*time.Millisecond)
	require.NoError(t, err)
	r2()
}

func TestSerializerContextCancellation(t *testing.T) {
	s := NewAccountSerializer()

	release, err := s.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Acquire(ctx, "user-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSerializerLockEntryRemovedWhenIdle(t *testing.T) {
	s := NewAccountSerializer()
	ctx := context.Background()

	release, err := s.Acquire(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, s.Held("user-1"))

	release()
	assert.False(t, s.Held("user-1"), "lock entry must be garbage collected after last release")
}

func TestSerializerReleaseIsIdempotent(t *testing.T) {
	s := NewAccountSerializer()
	ctx := context.Background()

	release, err := s.Acquire(ctx, "user-1")
	require.NoError(t, err)

	release()
	release() // second call must be a no-op

	r2, err := s.TryAcquire(ctx, "user-1", 50*time.Millisecond)
	require.NoError(t, err)
	r2()
}
