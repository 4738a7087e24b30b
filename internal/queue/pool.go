package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cmdb-studio/relgraph/pkg/logger"
	"github.com/cmdb-studio/relgraph/pkg/metrics"
	"go.uber.org/zap"
)

// Job is a unit of background work run by a Pool.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool is a fixed set of goroutines draining a bounded queue. Submit never
// blocks the caller: when the queue is full the job is dropped.
type Pool struct {
	jobs    chan Job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	mu      sync.RWMutex
	dropped atomic.Int64
	log     *zap.Logger
}

// NewPool starts workers goroutines over a queue of queueSize slots.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan Job, queueSize),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Named("pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info("worker pool started", zap.Int("workers", workers), zap.Int("queue_size", queueSize))
	return p
}

// Submit enqueues job and reports whether it was accepted.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		p.log.Warn("pool closed, job dropped", zap.String("job", job.Name))
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		p.dropped.Add(1)
		metrics.PoolJobsDropped.Inc()
		p.log.Warn("pool queue full, job dropped", zap.String("job", job.Name), zap.Int64("dropped_total", p.dropped.Load()))
		return false
	}
}

// Dropped returns how many jobs were rejected because the queue was full.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Close stops accepting jobs and waits for queued ones to finish. If ctx
// expires first the remaining jobs see a cancelled context.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", zap.Int("worker", id), zap.String("job", job.Name), zap.Any("panic", r))
		}
	}()
	if err := job.Run(p.ctx); err != nil {
		p.log.Error("job failed", zap.Int("worker", id), zap.String("job", job.Name), zap.Error(err))
	}
}

func jobName(kind string, id uint) string {
	return fmt.Sprintf("%s:%d", kind, id)
}
