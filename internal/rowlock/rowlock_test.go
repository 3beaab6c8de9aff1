package rowlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	l := New(time.Minute)
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside, total := 0, 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "row-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			total++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 50, total)
	assert.False(t, l.Held("row-1"))
}

func TestWaitersServedInOrder(t *testing.T) {
	l := New(time.Minute)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			rel, err := l.Acquire(ctx, "k")
			if err == nil {
				order <- i
				rel()
			}
		}()
		// let each goroutine enqueue before the next one
		require.Eventually(t, func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return len(l.rows["k"].waiters) == i+1
		}, time.Second, time.Millisecond)
	}
	release()

	for want := 0; want < 3; want++ {
		assert.Equal(t, want, <-order)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	l := New(time.Minute)
	ctx := context.Background()
	a, err := l.Acquire(ctx, "a")
	require.NoError(t, err)
	defer a()

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	b, err := l.Acquire(ctx, "b")
	require.NoError(t, err)
	b()
}

func TestLeaseExpires(t *testing.T) {
	l := New(20 * time.Millisecond)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	fresh, err := l.Acquire(ctx2, "k")
	require.NoError(t, err)

	stale() // expired lease, must not free the new holder
	assert.True(t, l.Held("k"))
	fresh()
	assert.False(t, l.Held("k"))
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(time.Minute)
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.False(t, l.Held("k"))
}
