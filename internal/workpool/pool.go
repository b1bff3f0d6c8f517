// Package workpool runs background jobs on a fixed number of goroutines fed
// by a bounded queue.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("workpool: closed")

// Job is one unit of work. It receives the pool's context, which is
// cancelled by Shutdown.
type Job func(ctx context.Context)

// Pool is a bounded worker pool.
type Pool struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan Job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	running atomic.Int64
	done    atomic.Int64
}

// New starts workers goroutines reading from a queue of size queue.
func New(workers, queue int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan Job, queue),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("workpool"),
	}
	for range workers {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.done.Add(1)
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	job(p.ctx)
}

// Submit queues job, blocking while the queue is full. It fails when ctx
// ends first or the pool is closed.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// TrySubmit queues job only if there is room.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Running is the number of jobs executing now.
func (p *Pool) Running() int64 { return p.running.Load() }

// Completed is the number of jobs finished since the pool started.
func (p *Pool) Completed() int64 { return p.done.Load() }

// Close stops accepting jobs and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

// Shutdown cancels the context handed to jobs, then closes the pool. Jobs
// still queued run with a cancelled context and are expected to return
// quickly. It returns ctx.Err() if the workers do not stop in time.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()
	stopped := make(chan struct{})
	go func() {
		p.Close()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
