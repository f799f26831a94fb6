// Package scheduler runs recurring scans. Each configured schedule is a cron
// entry that submits a scan to the scan manager when it fires.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/services"
)

// SourceScheduler marks scans started by the scheduler.
const SourceScheduler = "scheduler"

// ScanStarter is the part of the scan manager the scheduler drives.
type ScanStarter interface {
	Start(ctx context.Context, req services.ScanRequest) (string, error)
	Get(id string) (services.ScanJob, error)
}

// Entry describes one scheduled scan.
type Entry struct {
	Name       string    `json:"name"`
	Cron       string    `json:"cron"`
	Target     string    `json:"target"`
	Profile    string    `json:"profile,omitempty"`
	Ports      string    `json:"ports,omitempty"`
	Next       time.Time `json:"next_run"`
	Prev       time.Time `json:"last_run,omitempty"`
	Runs       int       `json:"runs"`
	Skipped    int       `json:"skipped"`
	LastScanID string    `json:"last_scan_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

type job struct {
	schedule config.ScheduleConfig
	cronID   cron.EntryID

	runs       int
	skipped    int
	lastRun    time.Time
	lastScanID string
	lastError  string
}

// Scheduler manages cron-driven scans.
type Scheduler struct {
	cron   *cron.Cron
	scans  ScanStarter
	logger *logging.Logger

	mu      sync.RWMutex
	jobs    map[string]*job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New registers every enabled schedule. Cron expressions use the standard
// five field syntax and the @hourly / @every descriptors.
func New(schedules []config.ScheduleConfig, scans ScanStarter, logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("scheduler")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
		)),
		scans:  scans,
		logger: logger,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, sc := range schedules {
		if !sc.Enabled {
			logger.Debug("Skipping disabled schedule", "schedule", sc.Name)
			continue
		}
		if err := s.add(sc); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(sc config.ScheduleConfig) error {
	if _, dup := s.jobs[sc.Name]; dup {
		return errors.NewConfigFieldError(errors.CodeConfiguration, "duplicate schedule name", "schedules.name", sc.Name)
	}
	if _, err := cron.ParseStandard(sc.Cron); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("invalid cron expression for schedule %q", sc.Name), err)
	}

	j := &job{schedule: sc}
	id, err := s.cron.AddFunc(sc.Cron, func() { s.fire(j) })
	if err != nil {
		return fmt.Errorf("failed to add cron job %q: %w", sc.Name, err)
	}
	j.cronID = id
	s.jobs[sc.Name] = j

	s.logger.Info("Added scheduled scan", "schedule", sc.Name, "cron", sc.Cron, "target", sc.Target)
	return nil
}

// Start begins firing entries.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.NewScanError(errors.CodeConflict, "scheduler is already running")
	}
	if s.ctx.Err() != nil {
		return errors.NewScanError(errors.CodeServiceUnavailable, "scheduler is stopped")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("Scheduler started", "schedules", len(s.jobs))
	return nil
}

// Stop halts the cron loop and waits for a firing entry to return. Scans
// already submitted keep running in the scan manager.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.cancel()
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cancel()
	s.logger.Info("Scheduler stopped")
}

// Trigger fires the named schedule immediately.
func (s *Scheduler) Trigger(name string) (string, error) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return "", errors.ErrNotFound("schedule", name)
	}
	return s.fire(j)
}

// fire submits one scan for j. A schedule whose previous scan is still
// queued or running is skipped.
func (s *Scheduler) fire(j *job) (string, error) {
	s.mu.Lock()
	prev := j.lastScanID
	s.mu.Unlock()

	log := s.logger.With("schedule", j.schedule.Name)

	if prev != "" {
		if last, err := s.scans.Get(prev); err == nil && !last.State.Terminal() {
			s.mu.Lock()
			j.skipped++
			s.mu.Unlock()
			log.Warn("Previous scheduled scan still active, skipping", "scan_id", prev, "state", last.State)
			return "", errors.NewScanError(errors.CodeConflict, "previous scan still "+string(last.State))
		}
	}

	id, err := s.scans.Start(s.ctx, services.ScanRequest{
		Target:  j.schedule.Target,
		Ports:   j.schedule.Ports,
		Profile: j.schedule.Profile,
		Source:  SourceScheduler,
	})

	s.mu.Lock()
	j.runs++
	j.lastRun = time.Now()
	if err != nil {
		j.lastError = err.Error()
	} else {
		j.lastScanID = id
		j.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("Scheduled scan failed to start", "target", j.schedule.Target, "error", err)
		return "", err
	}
	log.Info("Scheduled scan started", "scan_id", id, "target", j.schedule.Target)
	return id, nil
}

// Entries returns the registered schedules ordered by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{
			Name:       j.schedule.Name,
			Cron:       j.schedule.Cron,
			Target:     j.schedule.Target,
			Profile:    j.schedule.Profile,
			Ports:      j.schedule.Ports,
			Prev:       j.lastRun,
			Runs:       j.runs,
			Skipped:    j.skipped,
			LastScanID: j.lastScanID,
			LastError:  j.lastError,
		}
		if ce := s.cron.Entry(j.cronID); ce.Valid() && !ce.Next.IsZero() {
			e.Next = ce.Next
		} else if sched, err := cron.ParseStandard(j.schedule.Cron); err == nil {
			e.Next = sched.Next(time.Now())
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
