package scanning

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/workers"
)

// Engine runs scans: it fans ports out to a bounded pool of probe workers and
// folds the outcomes into a ScanResult.
type Engine struct {
	prober   Prober
	resolver TargetResolver
	metrics  metrics.ScanMetrics
	logger   *logging.Logger
	progress ProgressFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithProber replaces the default TCP prober.
func WithProber(p Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithResolver replaces the system target resolver.
func WithResolver(r TargetResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithMetrics records scan and probe observations.
func WithMetrics(m metrics.ScanMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithProgress registers a progress listener.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// NewEngine creates an engine. Without options it probes with a TCPProber
// using DefaultProberConfig and resolves through the system resolver.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		prober:   NewTCPProber(DefaultProberConfig()),
		resolver: SystemResolver{},
		metrics:  metrics.Nop{},
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("engine")
	return e
}

// Run probes every port in cfg.Ports exactly once and returns the aggregate.
//
// Cancelling ctx stops workers from taking further ports; probes already in
// flight finish. The partial result is returned with Cancelled set, together
// with an error whose code is errors.CodeCanceled.
//
// An engine fault, such as a prober panic or the pool failing to start,
// discards all outcomes and returns a nil result with errors.CodeScanFailed.
func (e *Engine) Run(ctx context.Context, cfg ScanConfig) (*ScanResult, error) {
	return e.RunWithID(ctx, uuid.NewString(), cfg)
}

// RunWithID is Run with a caller supplied scan ID.
func (e *Engine) RunWithID(ctx context.Context, id string, cfg ScanConfig) (*ScanResult, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	target, err := e.resolver.ResolveTarget(ctx, cfg.Target)
	if err != nil {
		return nil, err
	}

	log := e.logger.WithScanID(id).WithTarget(target)
	run := &scanRun{
		engine:  e,
		target:  target,
		timeout: cfg.Timeout,
		total:   len(cfg.Ports),
		agg:     newAggregate(len(cfg.Ports)),
		log:     log,
	}

	workerCount := min(cfg.Concurrency, len(cfg.Ports))
	log.Info("scan started",
		"host", cfg.Target,
		"ports", len(cfg.Ports),
		"workers", workerCount,
		"timeout", cfg.Timeout)

	e.metrics.ScanStarted(len(cfg.Ports))
	start := time.Now()

	pool := workers.New(workers.Config{Size: workerCount, QueueSize: workerCount, Name: "probe"})
	if err := pool.Start(ctx); err != nil {
		return nil, e.fail(log, target, start, err)
	}

	dispatchErr := run.dispatch(ctx, pool, cfg.Ports)
	pool.Close()
	fault := pool.Wait()
	end := time.Now()

	if fault != nil {
		return nil, e.fail(log, target, start, fault)
	}
	if dispatchErr != nil {
		return nil, e.fail(log, target, start, dispatchErr)
	}

	result := &ScanResult{
		ID:         id,
		Host:       cfg.Target,
		Target:     target,
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start),
		TotalPorts: len(cfg.Ports),
	}
	run.mu.Lock()
	run.agg.fill(result)
	run.mu.Unlock()
	result.ScanSpeed = ScanSpeed(result.TotalPorts, result.Duration)

	if result.ScannedPorts < result.TotalPorts {
		result.Cancelled = true
		e.metrics.ScanFinished("cancelled", result.Duration)
		log.Warn("scan cancelled",
			"scanned", result.ScannedPorts,
			"total", result.TotalPorts,
			"duration", result.Duration)
		return result, errors.ErrScanCanceled(target, result.ScannedPorts, result.TotalPorts)
	}

	e.metrics.ScanFinished("completed", result.Duration)
	log.Info("scan completed",
		"duration", result.Duration,
		"open", len(result.OpenPorts),
		"closed", result.ClosedCount,
		"filtered", result.FilteredCount,
		"ports_per_second", fmt.Sprintf("%.1f", result.ScanSpeed))
	return result, nil
}

func (e *Engine) fail(log *logging.Logger, target string, start time.Time, cause error) error {
	e.metrics.ScanFinished("failed", time.Since(start))
	log.Error("scan aborted", "error", cause)
	return errors.ErrEngineFailure(target, cause)
}

// Scan runs a single scan with the default engine.
func Scan(ctx context.Context, target string, ports []int, timeout time.Duration, concurrency int) (*ScanResult, error) {
	return NewEngine().Run(ctx, ScanConfig{
		Target:      target,
		Ports:       ports,
		Timeout:     timeout,
		Concurrency: concurrency,
	})
}

// scanRun holds the state of one Run call.
type scanRun struct {
	engine  *Engine
	target  string
	timeout time.Duration
	total   int
	log     *logging.Logger

	mu  sync.Mutex
	agg *aggregate
}

// dispatch feeds ports to the pool until they run out or the run stops.
// Cancellation is not an error here; the caller detects it from the
// number of recorded outcomes.
func (r *scanRun) dispatch(ctx context.Context, pool *workers.Pool, ports []int) error {
	for _, port := range ports {
		err := pool.Submit(ctx, &probeJob{run: r, port: port})
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil, errors.Is(err, workers.ErrPoolStopped):
			return nil
		default:
			return err
		}
	}
	return nil
}

func (r *scanRun) record(o ProbeOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	done, ok := r.agg.record(o)
	if !ok {
		r.log.Warn("duplicate outcome ignored", "port", o.Port)
		return
	}
	r.engine.metrics.PortProbed(string(o.Status), o.Latency)
	if r.engine.progress != nil {
		r.engine.progress(done, r.total)
	}
}

// probeJob adapts one port probe to the worker pool.
type probeJob struct {
	run  *scanRun
	port int
}

func (j *probeJob) Execute(ctx context.Context) error {
	outcome := j.run.engine.prober.Probe(ctx, j.run.target, j.port, j.run.timeout)
	outcome.Port = j.port
	switch outcome.Status {
	case StatusOpen, StatusFiltered:
	default:
		outcome.Status = StatusClosed
	}
	if outcome.Status != StatusOpen {
		outcome.Banner = ""
	}
	j.run.log.DebugProbe(j.run.target, j.port, string(outcome.Status), "latency", outcome.Latency)
	j.run.record(outcome)
	return nil
}

func (j *probeJob) ID() string {
	return strconv.Itoa(j.port)
}

func (j *probeJob) Type() string {
	return "probe"
}
