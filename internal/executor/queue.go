package executor

import (
	"context"
	"sync"

	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"golang.org/x/sync/semaphore"
)

// SerialQueue runs tasks one at a time, in arrival order.
type SerialQueue struct {
	ParallelQueue
}

func NewSerialQueue() *SerialQueue {
	return &SerialQueue{ParallelQueue: *NewParallelQueue(1)}
}

// ParallelQueue runs at most a fixed number of tasks at once. Waiting
// tasks are admitted in arrival order.
type ParallelQueue struct {
	sem  *semaphore.Weighted
	size int
}

func NewParallelQueue(size int) *ParallelQueue {
	if size <= 0 {
		size = 1
	}
	return &ParallelQueue{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of tasks that may run at once.
func (q *ParallelQueue) Size() int { return q.size }

// Run waits for a free slot and runs task in the calling goroutine.
func (q *ParallelQueue) Run(ctx context.Context, task func() error) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)
	return task()
}

func (q *ParallelQueue) acquire(ctx context.Context) error {
	return q.sem.Acquire(ctx, 1)
}

func (q *ParallelQueue) release() {
	q.sem.Release(1)
}

// objectQueues serializes transactions that share owned objects. The first
// claimant of an id holds it; later claimants wait in FIFO order and inherit
// the claim when the holder releases it.
type objectQueues struct {
	mu     sync.Mutex
	queues map[ledger.ObjectID][]chan struct{}
}

func newObjectQueues() *objectQueues {
	return &objectQueues{queues: make(map[ledger.ObjectID][]chan struct{})}
}

// acquire claims every id, blocking until each conflicting claim has been
// handed over. The returned func releases all of them and must be called
// exactly once.
func (q *objectQueues) acquire(ids []ledger.ObjectID) (release func()) {
	var conflicts []chan struct{}

	q.mu.Lock()
	for _, id := range ids {
		queue, busy := q.queues[id]
		if !busy {
			q.queues[id] = nil
			continue
		}
		ch := make(chan struct{})
		q.queues[id] = append(queue, ch)
		conflicts = append(conflicts, ch)
	}
	q.mu.Unlock()

	for _, ch := range conflicts {
		<-ch
	}

	var once sync.Once
	return func() {
		once.Do(func() { q.release(ids) })
	}
}

func (q *objectQueues) release(ids []ledger.ObjectID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		queue, busy := q.queues[id]
		if !busy {
			continue
		}
		if len(queue) == 0 {
			delete(q.queues, id)
			continue
		}
		close(queue[0])
		q.queues[id] = queue[1:]
	}
}

// busy returns the number of ids currently claimed.
func (q *objectQueues) busy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// waiting returns the number of transactions queued behind id.
func (q *objectQueues) waiting(id ledger.ObjectID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[id])
}

// cacheLock totally orders operations that mutate the object cache.
type cacheLock struct {
	sem *semaphore.Weighted
}

func newCacheLock() *cacheLock {
	return &cacheLock{sem: semaphore.NewWeighted(1)}
}

// run executes fn once every earlier cache mutation has finished.
func (l *cacheLock) run(ctx context.Context, fn func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}

// wait returns once no cache mutation is in progress.
func (l *cacheLock) wait(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.sem.Release(1)
	return nil
}
