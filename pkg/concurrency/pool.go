package concurrency

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"signal_trader/internal/core"

	"github.com/alitto/pond"
)

// ErrPoolStopped is returned when submitting to a stopped pool
var ErrPoolStopped = errors.New("worker pool stopped")

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // If true, Submit() returns error instead of blocking when full
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	RunningWorkers  int    `json:"running_workers"`
	IdleWorkers     int    `json:"idle_workers"`
	SubmittedTasks  uint64 `json:"submitted_tasks"`
	WaitingTasks    uint64 `json:"waiting_tasks"`
	SuccessfulTasks uint64 `json:"successful_tasks"`
	FailedTasks     uint64 `json:"failed_tasks"`
}

// WorkerPool wraps alitto/pond with logging and standardized config
type WorkerPool struct {
	pool    *pond.WorkerPool
	config  PoolConfig
	logger  core.ILogger
	stopped atomic.Bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error("Worker pool panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: log,
	}
}

// Name returns the configured pool name
func (wp *WorkerPool) Name() string {
	return wp.config.Name
}

// Submit adds a task to the pool
func (wp *WorkerPool) Submit(task func()) error {
	if wp.stopped.Load() {
		return fmt.Errorf("worker pool '%s': %w", wp.config.Name, ErrPoolStopped)
	}

	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait submits a task and waits for it to complete
func (wp *WorkerPool) SubmitAndWait(task func()) error {
	done := make(chan struct{})
	if err := wp.Submit(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Stop stops accepting tasks and waits for the queued ones to finish
func (wp *WorkerPool) Stop() {
	if wp.stopped.Swap(true) {
		return
	}
	wp.pool.StopAndWait()
	wp.logger.Debug("Worker pool stopped", "completed", wp.pool.CompletedTasks())
}

// Stats returns pool statistics
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		RunningWorkers:  wp.pool.RunningWorkers(),
		IdleWorkers:     wp.pool.IdleWorkers(),
		SubmittedTasks:  wp.pool.SubmittedTasks(),
		WaitingTasks:    wp.pool.WaitingTasks(),
		SuccessfulTasks: wp.pool.SuccessfulTasks(),
		FailedTasks:     wp.pool.FailedTasks(),
	}
}
