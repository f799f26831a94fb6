// Package workers provides the bounded worker pool that drives port probes.
// A fixed number of goroutines drain a shared job queue. Stopping the pool's
// context makes workers exit before taking more work, while a job that was
// already dequeued always runs to completion.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/anstrom/portsweep/internal/logging"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns an identifier for the job, used in logs.
	ID() string
	// Type returns the job type for logging.
	Type() string
}

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStopped is returned by Submit once the pool context is done.
	ErrPoolStopped = errors.New("worker pool is stopped")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool is not started")
)

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the capacity of the job queue. Zero means unbuffered.
	QueueSize int
	// Name labels the pool in log output.
	Name string
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:      100,
		QueueSize: 100,
		Name:      "probe",
	}
}

// Validate checks the configuration for obviously unusable values.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("worker pool size must be positive, got %d", c.Size)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("worker pool queue size must not be negative, got %d", c.QueueSize)
	}
	return nil
}

// Pool manages a fixed set of worker goroutines fed from one queue.
type Pool struct {
	config Config
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logging.Logger

	mu      sync.RWMutex
	started bool
	closed  bool

	faultOnce sync.Once
	fault     error

	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a new worker pool with the given configuration.
func New(config Config) *Pool {
	if config.Name == "" {
		config.Name = "pool"
	}
	return &Pool{
		config: config,
		jobs:   make(chan Job, max(config.QueueSize, 0)),
		logger: logging.Default().WithComponent("workers").WithFields("pool", config.Name),
	}
}

// Start launches the workers. They stop taking jobs once ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.config.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool %s already started", p.config.Name)
	}
	if p.closed {
		return ErrPoolClosed
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Debug("starting worker pool",
		"worker_count", p.config.Size,
		"queue_size", p.config.QueueSize)

	for i := 0; i < p.config.Size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return nil
}

// Submit queues a job, blocking while the queue is full. It gives up when
// either ctx or the pool context is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.closed:
		return ErrPoolClosed
	case !p.started:
		return ErrPoolNotStarted
	case p.ctx.Err() != nil:
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Close stops accepting jobs. Workers drain what is already queued
// unless the pool context is done first.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Wait blocks until every worker has exited and returns the first
// fault raised by a job, if any.
func (p *Pool) Wait() error {
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	return p.fault
}

// Completed returns the number of jobs that ran to completion.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Failed returns the number of jobs whose Execute returned an error.
func (p *Pool) Failed() int64 {
	return p.failed.Load()
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		// Check the stop signal first so a full queue never wins the race.
		if p.ctx.Err() != nil {
			return
		}

		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if p.ctx.Err() != nil {
				return
			}
			p.execute(id, job)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) execute(workerID int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("job %s (%s) panicked: %v", job.ID(), job.Type(), r)
			p.logger.Error("job panicked",
				"job_id", job.ID(),
				"worker_id", workerID,
				"panic", r,
				"stack", string(debug.Stack()))
			p.setFault(err)
		}
	}()

	// A dequeued job must finish even if the pool is stopping.
	if err := job.Execute(context.WithoutCancel(p.ctx)); err != nil {
		p.failed.Add(1)
		p.logger.Debug("job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"worker_id", workerID,
			"error", err)
	}
	p.completed.Add(1)
}

// setFault records the first fault and stops the remaining workers.
func (p *Pool) setFault(err error) {
	p.faultOnce.Do(func() {
		p.fault = err
		p.cancel()
	})
}

// Func adapts a plain function into a Job.
type Func struct {
	JobID   string
	JobType string
	Fn      func(ctx context.Context) error
}

// Execute implements the Job interface.
func (f Func) Execute(ctx context.Context) error {
	return f.Fn(ctx)
}

// ID implements the Job interface.
func (f Func) ID() string {
	return f.JobID
}

// Type implements the Job interface.
func (f Func) Type() string {
	return f.JobType
}
