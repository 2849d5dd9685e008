// Package scheduler decides where and when queued index work runs: inline in
// the caller, on a bounded goroutine pool, or on whichever worker consumes
// the Kafka drain topic. It also drives the recurring rebuild and the
// heartbeat.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"golang.org/x/sync/semaphore"
)

// Drainer is the part of the task runner the dispatchers drive.
type Drainer interface {
	Drain(ctx context.Context, role index.Role, kind index.Kind) error
	DrainNext(ctx context.Context, role index.Role, kind index.Kind) (bool, error)
}

// Inline drains the whole queue in the calling goroutine.
type Inline struct {
	Runner Drainer
}

func (i Inline) Dispatch(ctx context.Context, role index.Role, kind index.Kind) error {
	return i.Runner.Drain(ctx, role, kind)
}

// Pool runs one batch per dispatch on a goroutine, with at most n batches in
// flight. The runner re-dispatches through the pool until the queue is empty.
type Pool struct {
	runner Drainer
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewPool(runner Drainer, n int) *Pool {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(n)),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default().With("component", "dispatch-pool"),
	}
}

// Dispatch returns immediately. The work outlives the caller's context and
// stops only when the pool is closed.
func (p *Pool) Dispatch(_ context.Context, role index.Role, kind index.Kind) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		if _, err := p.runner.DrainNext(p.ctx, role, kind); err != nil && p.ctx.Err() == nil {
			p.logger.Error("drain failed", "role", role, "kind", kind, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched batch, including re-dispatches, is done.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops accepting work, cancels running batches and waits for them.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
