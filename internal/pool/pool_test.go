package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireImmediate(t *testing.T) {
	p := New([]string{"w1", "w2"})

	w1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	w2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, w1, w2)

	available, busy, waiting := p.Stats()
	assert.Equal(t, 0, available)
	assert.Equal(t, 2, busy)
	assert.Equal(t, 0, waiting)
}

func TestFIFOFairness(t *testing.T) {
	p := New([]string{"only"})
	ctx := context.Background()

	w, err := p.Acquire(ctx)
	require.NoError(t, err)

	// Queue three waiters in a known order, confirming each is registered
	// before starting the next.
	const n = 3
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			got, err := p.Acquire(ctx)
			require.NoError(t, err)
			order <- i
			p.Release(got)
		}()
		for {
			_, _, waiting := p.Stats()
			if waiting == i+1 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	p.Release(w)

	for want := 0; want < n; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got, "waiters must be served in arrival order")
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never acquired", want)
		}
	}
}

func TestReleaseUnknownWorkerIsIgnored(t *testing.T) {
	p := New([]string{"w1"})
	p.Release("stranger")

	available, busy, _ := p.Stats()
	assert.Equal(t, 1, available)
	assert.Equal(t, 0, busy)
}

func TestResetFailsWaiters(t *testing.T) {
	p := New([]string{"w1"})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	// Wait for the goroutine to be queued.
	for {
		if _, _, waiting := p.Stats(); waiting == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.Reset()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrReset)
	case <-time.After(time.Second):
		t.Fatal("waiter not failed by Reset")
	}

	available, busy, waiting := p.Stats()
	assert.Equal(t, 1, available)
	assert.Equal(t, 0, busy)
	assert.Equal(t, 0, waiting)
}

func TestAcquireContextCancelled(t *testing.T) {
	p := New([]string{"w1"})
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	for {
		if _, _, waiting := p.Stats(); waiting == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter not unblocked by cancellation")
	}

	// The held worker must still round-trip normally.
	p.Release(w)
	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "w1", got)
}

func TestDrainZeroWorkersWithWaiter(t *testing.T) {
	p := New[string](nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = p.Acquire(ctx)
	}()
	for {
		if _, _, waiting := p.Stats(); waiting == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	err := p.Drain()
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestDrainWaitsForIdle(t *testing.T) {
	p := New([]string{"w1"})
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Drain() }()

	select {
	case <-done:
		t.Fatal("drain returned while a worker was checked out")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(w)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not return after pool went idle")
	}
}
