package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestObjectQueuesFIFO(t *testing.T) {
	q := newObjectQueues()
	x := ledger.HexToObjectID("0x1")
	y := ledger.HexToObjectID("0x2")

	releaseA := q.acquire([]ledger.ObjectID{x})

	var (
		mu    sync.Mutex
		order []string
	)
	acquired := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	releaseB := make(chan func(), 1)
	go func() {
		r := q.acquire([]ledger.ObjectID{x})
		acquired("b")
		releaseB <- r
	}()
	waitUntil(t, func() bool { return q.waiting(x) == 1 })

	releaseC := make(chan func(), 1)
	go func() {
		r := q.acquire([]ledger.ObjectID{x, y})
		acquired("c")
		releaseC <- r
	}()
	waitUntil(t, func() bool { return q.waiting(x) == 2 })

	// y is free, but c is still queued behind b on x.
	releaseA()
	r := <-releaseB
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"b"}, order)
	mu.Unlock()

	r()
	(<-releaseC)()

	mu.Lock()
	assert.Equal(t, []string{"b", "c"}, order)
	mu.Unlock()
	assert.Equal(t, 0, q.busy())
}

func TestObjectQueuesDisjoint(t *testing.T) {
	q := newObjectQueues()
	a := q.acquire([]ledger.ObjectID{ledger.HexToObjectID("0x1")})
	b := q.acquire([]ledger.ObjectID{ledger.HexToObjectID("0x2")})
	assert.Equal(t, 2, q.busy())

	a()
	a() // release is idempotent
	b()
	assert.Equal(t, 0, q.busy())
}

func TestObjectQueuesEmpty(t *testing.T) {
	q := newObjectQueues()
	release := q.acquire(nil)
	release()
	assert.Equal(t, 0, q.busy())
}

func TestParallelQueueBounded(t *testing.T) {
	q := NewParallelQueue(2)
	assert.Equal(t, 2, q.Size())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Run(context.Background(), func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestSerialQueueCancelled(t *testing.T) {
	q := NewSerialQueue()
	require.NoError(t, q.acquire(context.Background()))
	defer q.release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Run(ctx, func() error {
		t.Error("task ran while the queue was held")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheLockExclusive(t *testing.T) {
	l := newCacheLock()
	started := make(chan struct{})
	finish := make(chan struct{})

	go l.run(context.Background(), func(context.Context) error {
		close(started)
		<-finish
		return nil
	})
	<-started

	var waited atomic.Bool
	done := make(chan struct{})
	go func() {
		assert.NoError(t, l.wait(context.Background()))
		waited.Store(true)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	assert.False(t, waited.Load(), "wait returned during a cache mutation")

	close(finish)
	<-done
	assert.NoError(t, l.run(context.Background(), func(context.Context) error { return nil }))
}
