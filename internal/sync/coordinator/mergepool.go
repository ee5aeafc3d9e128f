package coordinator

import (
	"context"
	"sync"

	"github.com/clipstack/clipstack/internal/sync/conflict"
	"github.com/clipstack/clipstack/internal/sync/syncerr"
)

// mergeJob asks a worker to resolve one conflict and deliver the result.
type mergeJob struct {
	resolver *conflict.Resolver
	conflict *conflict.Conflict
	policy   conflict.Policy
	done     chan mergeResult
}

type mergeResult struct {
	res *conflict.Resolution
	err error
}

// mergePool runs merge resolutions on a fixed set of workers so a batch of
// expensive merges cannot monopolize the push path.
type mergePool struct {
	jobs    chan mergeJob
	workers int
	wg      sync.WaitGroup
	once    sync.Once
}

func newMergePool(workers int) *mergePool {
	if workers <= 0 {
		workers = 1
	}
	return &mergePool{
		jobs:    make(chan mergeJob, workers*2),
		workers: workers,
	}
}

func (p *mergePool) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *mergePool) stop() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

func (p *mergePool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		res, err := job.resolver.Resolve(job.conflict, job.policy)
		job.done <- mergeResult{res: res, err: err}
	}
}

// resolve submits a merge to the pool and waits for its result. The caller's
// context bounds the wait.
func (p *mergePool) resolve(ctx context.Context, r *conflict.Resolver, c *conflict.Conflict, policy conflict.Policy) (*conflict.Resolution, error) {
	done := make(chan mergeResult, 1)
	select {
	case p.jobs <- mergeJob{resolver: r, conflict: c, policy: policy, done: done}:
	case <-ctx.Done():
		return nil, syncerr.Wrap(syncerr.CodeTransient, ctx.Err(), "merge queue full")
	}
	select {
	case result := <-done:
		return result.res, result.err
	case <-ctx.Done():
		return nil, syncerr.Wrap(syncerr.CodeTransient, ctx.Err(), "merge cancelled")
	}
}
