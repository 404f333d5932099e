// Package workerpool implements the process-wide pool that blocking host
// calls (net.getAsync) dispatch work to. A single Pool is
// shared by every Runtime in the process; Runtimes never own worker
// threads of their own. Tasks never touch VM state directly — they
// report their result through the onDone callback given to Submit, or
// through the owning Runtime's ScheduleResume/ScheduleError, which turn
// it into a continuation.
package workerpool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is blocking work submitted to the pool. It must not reach back
// into any VM; it only computes a result to be handed to a continuation.
type Task func(ctx context.Context) (any, error)

// Pool is a fixed-concurrency, process-wide worker pool.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a pool that runs at most concurrency tasks at once.
// concurrency <= 0 means unbounded.
func New(concurrency int) *Pool {
	p := &Pool{}
	if concurrency > 0 {
		p.sem = make(chan struct{}, concurrency)
	}
	return p
}

// Submit runs task on a pool goroutine and invokes onDone with its result
// once it completes. onDone is called on the pool goroutine, not the
// caller's — it is expected to post a continuation rather than touch a VM
// directly.
func (p *Pool) Submit(ctx context.Context, task Task, onDone func(any, error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.sem != nil {
			p.sem <- struct{}{}
			defer func() { <-p.sem }()
		}
		result, err := task(ctx)
		onDone(result, err)
	}()
}

// Wait blocks until every submitted task has called its onDone callback.
// Used during Runtime shutdown so a torn-down Runtime's continuations are
// guaranteed to have been posted (and dropped, see runtime.Runtime.Close)
// before the pool itself goes away.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Group runs a fixed batch of tasks concurrently and waits for all of
// them, short-circuiting on the first error. Used by callers that need an
// all-or-nothing barrier rather than fire-and-forget dispatch — e.g.
// warming several modules' source reads before a batch require.
func (p *Pool) Group(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if p.sem != nil {
		g.SetLimit(cap(p.sem))
	}
	for _, t := range tasks {
		t := t
		g.Go(func() error { return t(gctx) })
	}
	return g.Wait()
}
