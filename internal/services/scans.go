// Package services holds the scan orchestration shared by the API server,
// the scheduler and the NATS agent: asynchronous scans bounded by a slot
// limit, in-memory history, progress fan-out and optional persistence.
package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/profiles"
	"github.com/anstrom/portsweep/internal/scanning"
)

// ScanState is the lifecycle state of a managed scan.
type ScanState string

const (
	StateQueued    ScanState = "queued"
	StateRunning   ScanState = "running"
	StateCompleted ScanState = "completed"
	StateCancelled ScanState = "cancelled"
	StateFailed    ScanState = "failed"
)

// Terminal reports whether no further transitions happen.
func (s ScanState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

const (
	defaultMaxHistory = 500
	persistTimeout    = 10 * time.Second
)

// ScanRequest asks for one scan. Profile supplies ports, timeout and
// concurrency; explicit fields override it.
type ScanRequest struct {
	Target      string `json:"target" validate:"required,max=253"`
	Ports       string `json:"ports,omitempty" validate:"max=4096"`
	Profile     string `json:"profile,omitempty" validate:"max=64"`
	TimeoutMS   int    `json:"timeout_ms,omitempty" validate:"gte=0,lte=60000"`
	Concurrency int    `json:"concurrency,omitempty" validate:"gte=0,lte=5000"`
	// Source records who asked: api, scheduler, agent.
	Source string `json:"-"`
	// ID, when set, is used as the scan ID. It must not name a tracked scan.
	ID string `json:"-"`
}

// ScanJob is a snapshot of a managed scan.
type ScanJob struct {
	ID         string               `json:"id"`
	Target     string               `json:"target"`
	Profile    string               `json:"profile,omitempty"`
	Source     string               `json:"source,omitempty"`
	State      ScanState            `json:"state"`
	Completed  int                  `json:"completed"`
	Total      int                  `json:"total"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Error      string               `json:"error,omitempty"`
	Result     *scanning.ScanResult `json:"result,omitempty"`
}

// ProgressEvent is delivered to listeners on every state change and as
// ports complete.
type ProgressEvent struct {
	ScanID    string               `json:"scan_id"`
	Target    string               `json:"target"`
	State     ScanState            `json:"state"`
	Completed int                  `json:"completed"`
	Total     int                  `json:"total"`
	Timestamp time.Time            `json:"timestamp"`
	Error     string               `json:"error,omitempty"`
	Result    *scanning.ScanResult `json:"result,omitempty"`
}

// Listener receives progress events. It runs on scan goroutines, sometimes
// with engine locks held, and must not block.
type Listener func(ProgressEvent)

// ScanStore persists finished scans.
type ScanStore interface {
	Create(ctx context.Context, rec *db.ScanRecord) error
}

// Defaults fill request fields when neither the request nor a profile sets them.
type Defaults struct {
	Ports       string
	Timeout     time.Duration
	Concurrency int
}

// ManagerConfig wires a ScanManager.
type ManagerConfig struct {
	MaxConcurrentScans int
	MaxHistory         int
	Defaults           Defaults
	Profiles           *profiles.Manager
	Store              ScanStore
	EngineOptions      []scanning.Option
	Logger             *logging.Logger
}

type scanEntry struct {
	job      ScanJob
	config   scanning.ScanConfig
	cancel   context.CancelFunc
	done     chan struct{}
	lastSent int
}

// ScanManager runs scans asynchronously.
type ScanManager struct {
	cfg    ManagerConfig
	slots  *SlotLimiter
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	scans    map[string]*scanEntry
	order    []string
	shutdown bool

	listenerMu   sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

// NewScanManager creates a manager. Call Shutdown to stop running scans.
func NewScanManager(cfg ManagerConfig) *ScanManager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.Profiles == nil {
		cfg.Profiles = profiles.NewManager(nil)
	}
	if cfg.Defaults.Ports == "" {
		cfg.Defaults.Ports = ports.KeywordCommon
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ScanManager{
		cfg:       cfg,
		slots:     NewSlotLimiter(cfg.MaxConcurrentScans),
		logger:    logger.WithComponent("scan-manager"),
		ctx:       ctx,
		cancel:    cancel,
		scans:     make(map[string]*scanEntry),
		listeners: make(map[int]Listener),
	}
}

// BuildConfig resolves a request into an engine configuration without
// starting anything. It returns the profile name that was applied.
func (m *ScanManager) BuildConfig(req ScanRequest) (scanning.ScanConfig, string, error) {
	cfg := scanning.ScanConfig{
		Target:      strings.TrimSpace(req.Target),
		Timeout:     m.cfg.Defaults.Timeout,
		Concurrency: m.cfg.Defaults.Concurrency,
	}
	spec := m.cfg.Defaults.Ports

	var profileName string
	if req.Profile != "" {
		p, err := m.cfg.Profiles.Get(req.Profile)
		if err != nil {
			return scanning.ScanConfig{}, "", err
		}
		profileName = p.Name
		spec = p.Ports
		if p.Timeout > 0 {
			cfg.Timeout = p.Timeout
		}
		if p.Concurrency > 0 {
			cfg.Concurrency = p.Concurrency
		}
	}

	if req.Ports != "" {
		spec = req.Ports
	}
	if req.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if req.Concurrency > 0 {
		cfg.Concurrency = req.Concurrency
	}

	portList, err := ports.Expand(spec)
	if err != nil {
		return scanning.ScanConfig{}, "", err
	}
	cfg.Ports = portList

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return scanning.ScanConfig{}, "", err
	}
	return cfg, profileName, nil
}

// Start validates req and launches the scan in the background.
// The scan outlives ctx; use Cancel to stop it.
func (m *ScanManager) Start(ctx context.Context, req ScanRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := m.ctx.Err(); err != nil {
		return "", errors.NewScanError(errors.CodeServiceUnavailable, "scan manager is shut down")
	}

	cfg, profileName, err := m.BuildConfig(req)
	if err != nil {
		return "", err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	scanCtx, cancel := context.WithCancel(m.ctx)
	entry := &scanEntry{
		job: ScanJob{
			ID:        id,
			Target:    cfg.Target,
			Profile:   profileName,
			Source:    req.Source,
			State:     StateQueued,
			Total:     len(cfg.Ports),
			CreatedAt: time.Now(),
		},
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// The shutdown check and wg.Add share the lock so Shutdown never waits
	// on a group that is still growing.
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		cancel()
		return "", errors.NewScanError(errors.CodeServiceUnavailable, "scan manager is shut down")
	}
	if _, dup := m.scans[id]; dup {
		m.mu.Unlock()
		cancel()
		return "", errors.NewScanError(errors.CodeConflict, "scan "+id+" already exists")
	}
	m.scans[id] = entry
	m.order = append(m.order, id)
	m.pruneLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Scan queued", "scan_id", id, "target", cfg.Target, "ports", len(cfg.Ports), "source", req.Source)
	m.emit(m.event(entry, nil))

	go m.run(scanCtx, entry)
	return id, nil
}

func (m *ScanManager) run(ctx context.Context, entry *scanEntry) {
	defer m.wg.Done()
	defer close(entry.done)
	defer entry.cancel()

	id := entry.job.ID
	if err := m.slots.Acquire(ctx, id); err != nil {
		m.finish(entry, nil, errors.ErrScanCanceled(entry.config.Target, 0, entry.job.Total))
		return
	}
	defer m.slots.Release(id)

	now := time.Now()
	m.mu.Lock()
	entry.job.State = StateRunning
	entry.job.StartedAt = &now
	m.mu.Unlock()
	m.emit(m.event(entry, nil))

	opts := append([]scanning.Option{}, m.cfg.EngineOptions...)
	opts = append(opts, scanning.WithProgress(func(done, total int) {
		m.progress(entry, done, total)
	}))
	result, err := scanning.NewEngine(opts...).RunWithID(ctx, id, entry.config)
	m.finish(entry, result, err)
}

// progress runs under the engine's result lock.
func (m *ScanManager) progress(entry *scanEntry, done, total int) {
	step := max(1, total/100)

	m.mu.Lock()
	entry.job.Completed = done
	send := done == total || done-entry.lastSent >= step
	if send {
		entry.lastSent = done
	}
	m.mu.Unlock()

	if send {
		m.emit(m.event(entry, nil))
	}
}

func (m *ScanManager) finish(entry *scanEntry, result *scanning.ScanResult, err error) {
	now := time.Now()

	m.mu.Lock()
	entry.job.FinishedAt = &now
	entry.job.Result = result
	switch {
	case err == nil:
		entry.job.State = StateCompleted
	case errors.IsCode(err, errors.CodeCanceled):
		entry.job.State = StateCancelled
		entry.job.Error = err.Error()
	default:
		entry.job.State = StateFailed
		entry.job.Error = err.Error()
	}
	if result != nil {
		entry.job.Completed = result.ScannedPorts
	}
	state := entry.job.State
	m.mu.Unlock()

	log := m.logger.WithScanID(entry.job.ID)
	if state == StateFailed {
		log.ErrorScan("Scan failed", entry.config.Target, err)
	} else {
		log.InfoScan("Scan finished", entry.config.Target, "state", state)
	}

	if result != nil && m.cfg.Store != nil {
		m.persist(entry, result)
	}
	m.emit(m.event(entry, result))
}

func (m *ScanManager) persist(entry *scanEntry, result *scanning.ScanResult) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.cfg.Store.Create(ctx, db.NewScanRecord(result, entry.job.Profile)); err != nil {
		m.logger.ErrorComponent("scan-manager", "Failed to store scan result", err, "scan_id", entry.job.ID)
	}
}

func (m *ScanManager) event(entry *scanEntry, result *scanning.ScanResult) ProgressEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return entry.snapshotEvent(result)
}

func (e *scanEntry) snapshotEvent(result *scanning.ScanResult) ProgressEvent {
	return ProgressEvent{
		ScanID:    e.job.ID,
		Target:    e.job.Target,
		State:     e.job.State,
		Completed: e.job.Completed,
		Total:     e.job.Total,
		Timestamp: time.Now(),
		Error:     e.job.Error,
		Result:    result,
	}
}

// pruneLocked drops the oldest finished scans beyond MaxHistory.
func (m *ScanManager) pruneLocked() {
	excess := len(m.order) - m.cfg.MaxHistory
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.scans[id].job.State.Terminal() {
			delete(m.scans, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Get returns a snapshot of one scan.
func (m *ScanManager) Get(id string) (ScanJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.scans[id]
	if !ok {
		return ScanJob{}, errors.ErrNotFound("scan", id)
	}
	return entry.job, nil
}

// List returns snapshots of every known scan, newest first.
func (m *ScanManager) List() []ScanJob {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]ScanJob, 0, len(m.scans))
	for _, entry := range m.scans {
		jobs = append(jobs, entry.job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Cancel asks a queued or running scan to stop. Probes in flight finish
// and the partial result is kept.
func (m *ScanManager) Cancel(id string) error {
	m.mu.RLock()
	entry, ok := m.scans[id]
	var state ScanState
	if ok {
		state = entry.job.State
	}
	m.mu.RUnlock()

	if !ok {
		return errors.ErrNotFound("scan", id)
	}
	if state.Terminal() {
		return errors.NewScanError(errors.CodeConflict, "scan already finished: "+string(state))
	}
	entry.cancel()
	m.logger.Info("Scan cancellation requested", "scan_id", id)
	return nil
}

// Wait blocks until the scan finishes or ctx is done.
func (m *ScanManager) Wait(ctx context.Context, id string) (ScanJob, error) {
	m.mu.RLock()
	entry, ok := m.scans[id]
	m.mu.RUnlock()
	if !ok {
		return ScanJob{}, errors.ErrNotFound("scan", id)
	}

	select {
	case <-entry.done:
		return m.Get(id)
	case <-ctx.Done():
		return ScanJob{}, ctx.Err()
	}
}

// Subscribe registers a listener and returns a function removing it.
func (m *ScanManager) Subscribe(l Listener) func() {
	m.listenerMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

func (m *ScanManager) emit(ev ProgressEvent) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, l := range m.listeners {
		l(ev)
	}
}

// Stats summarizes manager load.
type Stats struct {
	Running   int `json:"running"`
	Queued    int `json:"queued"`
	Tracked   int `json:"tracked"`
	SlotsFree int `json:"slots_free"`
	SlotsMax  int `json:"slots_max"`
}

// Stats returns current counters.
func (m *ScanManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Tracked: len(m.scans), SlotsFree: m.slots.Available(), SlotsMax: m.slots.Capacity()}
	for _, entry := range m.scans {
		switch entry.job.State {
		case StateRunning:
			s.Running++
		case StateQueued:
			s.Queued++
		}
	}
	return s
}

// Shutdown cancels every scan and waits for them to wind down.
func (m *ScanManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	m.cancel()
	m.slots.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
