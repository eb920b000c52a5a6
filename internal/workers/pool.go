// Package workers provides a bounded pool of goroutines for running
// backtest jobs without letting submissions block.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work to be processed
type Task func()

// Pool manages a fixed set of worker goroutines draining a buffered queue
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	NumWorkers int
	QueueSize  int
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers: runtime.NumCPU(),
		QueueSize:  256,
	}
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Queued    int   `json:"queued"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	return &Pool{
		logger:    logger.Named("workers"),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
	}
}

// Start launches the worker goroutines
func (p *Pool) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return fmt.Errorf("pool already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("Worker pool started", zap.Int("workers", p.config.NumWorkers))
	return nil
}

// Stop drains nothing: queued tasks not yet picked up are dropped once
// the context is cancelled. The queue channel is never closed, so a
// Submit racing Stop enqueues harmlessly instead of panicking.
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Submit enqueues a task. Returns an error when the pool is not running
// or the queue is full; it never blocks.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("pool not running")
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return fmt.Errorf("task queue full")
	}
}

// Stats returns a snapshot of pool counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Queued:    len(p.taskQueue),
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.taskQueue:
			p.runTask(task, id)
		}
	}
}

func (p *Pool) runTask(task Task, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("Task panicked",
				zap.Int("worker", workerID),
				zap.Any("panic", r),
			)
		}
		p.completed.Add(1)
	}()
	task()
}
