package wiremux

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds the number of goroutines running handler dispatch
// concurrently, so a burst of receives never spawns unbounded goroutines
// (spec.md §5: "handler invocation is offloaded to a worker pool so the
// receive loop never blocks on user code"). Built on
// golang.org/x/sync/semaphore, the same family as the teacher's errgroup
// dependency.
type WorkerPool struct {
	sem *semaphore.Weighted
}

// NewWorkerPool creates a pool that runs at most size goroutines at once.
// size <= 0 is treated as 1.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size))}
}

// Go blocks until a slot is free, then runs fn on a new goroutine and
// releases the slot when fn returns. Submission itself never blocks the
// receive loop for more than the time it takes a slot to free up, and
// ctx.Done() aborts the wait without running fn.
func (p *WorkerPool) Go(ctx context.Context, fn func()) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer p.sem.Release(1)
		fn()
	}()
}
