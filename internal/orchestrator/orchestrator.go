// Package orchestrator owns the backtest job registry and drives job
// execution through a runner, keeping every job's failure isolated from
// the rest of the system.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tradeboard/backtest-backend/internal/telemetry"
	"github.com/tradeboard/backtest-backend/internal/workers"
	"github.com/tradeboard/backtest-backend/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady indicates a result request for a job that has not completed.
	ErrNotReady = errors.New("job not completed")
)

// Runner executes one backtest job. Implementations must honor context
// cancellation; Stop is a best-effort, non-blocking kill of any external
// computation the runner owns for the job.
type Runner interface {
	Run(ctx context.Context, jobID string, config *types.BacktestConfig, onProgress func(float64)) (*types.BacktestResult, error)
	Stop(jobID string) bool
}

// Config configures the orchestrator
type Config struct {
	// MaxJobDuration force-fails a running job after this long. Zero
	// disables the watchdog.
	MaxJobDuration time.Duration
}

// Orchestrator accepts backtest requests, tracks job lifecycle, and
// exposes query and cancel operations. Construct one per process (or per
// test) and inject it into the HTTP handlers; it holds no global state.
type Orchestrator struct {
	logger  *zap.Logger
	config  Config
	runner  Runner
	pool    *workers.Pool
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	jobs    map[string]*types.Job
	cancels map[string]context.CancelFunc

	onUpdate func(types.Job)
}

// New creates a new orchestrator
func New(logger *zap.Logger, config Config, runner Runner, pool *workers.Pool, metrics *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{
		logger:  logger.Named("orchestrator"),
		config:  config,
		runner:  runner,
		pool:    pool,
		metrics: metrics,
		jobs:    make(map[string]*types.Job),
		cancels: make(map[string]context.CancelFunc),
	}
}

// SetOnUpdate installs a callback invoked with a job snapshot after every
// state change. Used by the API layer to push progress to clients.
func (o *Orchestrator) SetOnUpdate(fn func(types.Job)) {
	o.onUpdate = fn
}

// Submit validates the config, registers a queued job, and schedules its
// asynchronous execution. It never blocks on the simulation.
func (o *Orchestrator) Submit(config *types.BacktestConfig) (string, error) {
	if err := config.Validate(); err != nil {
		return "", fmt.Errorf("invalid backtest config: %w", err)
	}

	id := uuid.New().String()
	job := &types.Job{
		ID:        id,
		Status:    types.JobStatusQueued,
		Message:   "queued",
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	o.jobs[id] = job
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.JobSubmitted()
	}

	cfg := *config
	if err := o.pool.Submit(func() { o.execute(id, &cfg) }); err != nil {
		o.finish(id, types.JobStatusFailed, "", fmt.Sprintf("failed to schedule job: %v", err))
		return id, nil
	}

	o.logger.Info("Job submitted",
		zap.String("jobId", id),
		zap.String("symbol", config.Symbol),
		zap.String("strategy", config.Strategy),
	)
	return id, nil
}

// Status returns a snapshot of a job
func (o *Orchestrator) Status(id string) (types.Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	job, ok := o.jobs[id]
	if !ok {
		return types.Job{}, ErrNotFound
	}
	return job.Clone(), nil
}

// Result returns the result of a completed job. ErrNotReady is returned
// for any non-completed status, including terminal failures.
func (o *Orchestrator) Result(id string) (*types.BacktestResult, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	job, ok := o.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != types.JobStatusCompleted || job.Result == nil {
		return nil, ErrNotReady
	}
	snapshot := job.Clone()
	return snapshot.Result, nil
}

// List returns snapshots of all known jobs in arbitrary order
func (o *Orchestrator) List() []types.Job {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]types.Job, 0, len(o.jobs))
	for _, job := range o.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// Stop signals a non-terminal job to stop and marks it stopped
// immediately. Best-effort: the underlying computation may take time to
// observe the signal, and Stop does not wait for it. Returns false for
// unknown or already-terminal jobs.
func (o *Orchestrator) Stop(id string) bool {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok || job.Status.Terminal() {
		o.mu.Unlock()
		return false
	}

	wasRunning := job.Status == types.JobStatusRunning
	now := time.Now()
	next := job.Clone()
	next.Status = types.JobStatusStopped
	next.Message = "stopped by request"
	next.CompletedAt = &now
	o.jobs[id] = &next

	cancel := o.cancels[id]
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.runner.Stop(id)

	if o.metrics != nil {
		o.metrics.JobFinished(string(types.JobStatusStopped), now.Sub(next.CreatedAt), wasRunning)
	}
	o.notify(next)

	o.logger.Info("Job stopped", zap.String("jobId", id))
	return true
}

// execute is the supervised per-job task. Every error and panic on this
// path terminates in a failed job record; nothing propagates to the
// orchestrator or to other jobs.
func (o *Orchestrator) execute(id string, config *types.BacktestConfig) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Job panicked",
				zap.String("jobId", id),
				zap.Any("panic", r),
			)
			o.finish(id, types.JobStatusFailed, "", fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx := context.Background()
	var cancel context.CancelFunc
	if o.config.MaxJobDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.config.MaxJobDuration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, id)
		o.mu.Unlock()
	}()

	// A Stop that landed while the job was still queued wins; do not run.
	if _, ok := o.update(id, func(j *types.Job) {
		j.Status = types.JobStatusRunning
		j.Message = "running"
	}); !ok {
		return
	}
	if o.metrics != nil {
		o.metrics.JobStarted()
	}

	result, err := o.runner.Run(ctx, id, config, func(p float64) {
		o.setProgress(id, p)
	})

	switch {
	case err == nil:
		o.finishCompleted(id, result)
	case errors.Is(err, context.DeadlineExceeded):
		o.runner.Stop(id)
		o.finish(id, types.JobStatusFailed, "", fmt.Sprintf("job exceeded maximum duration %s", o.config.MaxJobDuration))
	case errors.Is(err, context.Canceled):
		// Stop() already installed the terminal record.
	default:
		o.finish(id, types.JobStatusFailed, "", err.Error())
	}
}

// update applies a whole-record replacement to a job, returning the
// status the job held before the change. ok is false when the job is
// unknown or already terminal; terminal records never change.
func (o *Orchestrator) update(id string, mutate func(*types.Job)) (prev types.JobStatus, ok bool) {
	o.mu.Lock()
	job, exists := o.jobs[id]
	if !exists || job.Status.Terminal() {
		o.mu.Unlock()
		return "", false
	}
	prev = job.Status

	next := job.Clone()
	mutate(&next)
	o.jobs[id] = &next
	o.mu.Unlock()

	o.notify(next)
	return prev, true
}

// setProgress raises a job's progress; progress is monotonic per job
func (o *Orchestrator) setProgress(id string, p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	o.update(id, func(j *types.Job) {
		if p > j.Progress {
			j.Progress = p
		}
	})
}

func (o *Orchestrator) finishCompleted(id string, result *types.BacktestResult) {
	now := time.Now()
	prev, ok := o.update(id, func(j *types.Job) {
		j.Status = types.JobStatusCompleted
		j.Progress = 1
		j.Message = "completed"
		j.Result = result
		j.CompletedAt = &now
	})
	if !ok {
		return
	}
	o.recordFinish(id, types.JobStatusCompleted, now, prev)
	o.logger.Info("Job completed",
		zap.String("jobId", id),
		zap.Int("trades", len(result.Trades)),
	)
}

func (o *Orchestrator) finish(id string, status types.JobStatus, message, errText string) {
	now := time.Now()
	prev, ok := o.update(id, func(j *types.Job) {
		j.Status = status
		if message == "" && errText != "" {
			message = errText
		}
		j.Message = message
		j.Error = errText
		j.CompletedAt = &now
	})
	if !ok {
		return
	}
	o.recordFinish(id, status, now, prev)
	if errText != "" {
		o.logger.Warn("Job failed",
			zap.String("jobId", id),
			zap.String("error", errText),
		)
	}
}

func (o *Orchestrator) recordFinish(id string, status types.JobStatus, at time.Time, prev types.JobStatus) {
	if o.metrics == nil {
		return
	}
	o.mu.RLock()
	job, ok := o.jobs[id]
	o.mu.RUnlock()
	if !ok {
		return
	}
	o.metrics.JobFinished(string(status), at.Sub(job.CreatedAt), prev == types.JobStatusRunning)
}

func (o *Orchestrator) notify(job types.Job) {
	if o.onUpdate != nil {
		o.onUpdate(job)
	}
}
