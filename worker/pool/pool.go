package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("worker pool is closed")

// WorkerPool runs submitted jobs on at most maxWorkers goroutines at a time.
// Jobs outlive the request that submitted them.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewWorkerPool(maxWorkers int, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &WorkerPool{
		sem:    make(chan struct{}, maxWorkers),
		logger: logger,
	}
}

// Submit schedules job and returns without waiting for a free slot. The job
// is skipped if ctx ends before a slot frees up. Skips and recovered panics
// are reported to onAbort when it is set.
func (p *WorkerPool) Submit(ctx context.Context, job func(context.Context), onAbort func(error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			if onAbort != nil {
				onAbort(fmt.Errorf("no free worker: %w", ctx.Err()))
			}
			return
		}

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Job panicked",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				if onAbort != nil {
					onAbort(fmt.Errorf("panic: %v", r))
				}
			}
		}()
		job(ctx)
	}()
	return nil
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close stops accepting jobs and waits for running ones until ctx ends.
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
