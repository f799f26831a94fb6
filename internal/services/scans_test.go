package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/profiles"
	"github.com/anstrom/portsweep/internal/scanning"
)

type staticResolver struct{}

func (staticResolver) ResolveTarget(_ context.Context, host string) (string, error) {
	if host == "unknown.invalid" {
		return "", errors.ErrInvalidTarget(host, errors.New("no such host"))
	}
	return "10.0.0.1", nil
}

type recordingStore struct {
	mu      sync.Mutex
	records []*db.ScanRecord
}

func (s *recordingStore) Create(_ context.Context, rec *db.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func openOn(open ...int) scanning.Prober {
	set := make(map[int]bool, len(open))
	for _, p := range open {
		set[p] = true
	}
	return scanning.FuncProber(func(_ context.Context, _ string, port int, _ time.Duration) scanning.ProbeOutcome {
		if set[port] {
			return scanning.ProbeOutcome{Port: port, Status: scanning.StatusOpen, Banner: "hi"}
		}
		return scanning.ProbeOutcome{Port: port, Status: scanning.StatusClosed}
	})
}

func newTestManager(t *testing.T, prober scanning.Prober, mutate func(*ManagerConfig)) *ScanManager {
	t.Helper()
	cfg := ManagerConfig{
		MaxConcurrentScans: 2,
		Logger:             logging.NewNop(),
		EngineOptions: []scanning.Option{
			scanning.WithProber(prober),
			scanning.WithResolver(staticResolver{}),
			scanning.WithLogger(logging.NewNop()),
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewScanManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBuildConfig(t *testing.T) {
	m := newTestManager(t, openOn(), func(c *ManagerConfig) {
		c.Defaults = Defaults{Ports: "22,80", Timeout: time.Second, Concurrency: 7}
		c.Profiles = profiles.NewManager(map[string]config.ProfileConfig{"lab": {Ports: "1-10"}})
	})

	tests := []struct {
		name        string
		req         ScanRequest
		ports       int
		timeout     time.Duration
		concurrency int
		profile     string
		wantErr     bool
	}{
		{"defaults", ScanRequest{Target: "h"}, 2, time.Second, 7, "", false},
		{"profile", ScanRequest{Target: "h", Profile: "web"}, 6, 2 * time.Second, 50, "web", false},
		{"profile override", ScanRequest{Target: "h", Profile: "web", Ports: "443", TimeoutMS: 250, Concurrency: 3},
			1, 250 * time.Millisecond, 3, "web", false},
		{"custom profile keeps defaults", ScanRequest{Target: "h", Profile: "lab"}, 10, time.Second, 7, "lab", false},
		{"unknown profile", ScanRequest{Target: "h", Profile: "nope"}, 0, 0, 0, "", true},
		{"bad ports", ScanRequest{Target: "h", Ports: "80-70"}, 0, 0, 0, "", true},
		{"no target", ScanRequest{Target: "  "}, 0, 0, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, profile, err := m.BuildConfig(tt.req)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidation(err), "expected validation error, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, cfg.Ports, tt.ports)
			assert.Equal(t, tt.timeout, cfg.Timeout)
			assert.Equal(t, tt.concurrency, cfg.Concurrency)
			assert.Equal(t, tt.profile, profile)
		})
	}
}

func TestStartAndWait(t *testing.T) {
	store := &recordingStore{}
	m := newTestManager(t, openOn(22, 443), func(c *ManagerConfig) { c.Store = store })

	var mu sync.Mutex
	var states []ScanState
	var final *scanning.ScanResult
	unsubscribe := m.Subscribe(func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != ev.State {
			states = append(states, ev.State)
		}
		if ev.Result != nil {
			final = ev.Result
		}
	})
	defer unsubscribe()

	id, err := m.Start(context.Background(), ScanRequest{Target: "scanme", Ports: "20-25,443", Source: "test"})
	require.NoError(t, err)

	job, err := m.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 7, job.Completed)
	assert.Equal(t, 7, job.Total)
	assert.Equal(t, "test", job.Source)
	require.NotNil(t, job.Result)
	assert.Equal(t, []int{22, 443}, job.Result.OpenPortNumbers())
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	mu.Lock()
	assert.Equal(t, []ScanState{StateQueued, StateRunning, StateCompleted}, states)
	require.NotNil(t, final)
	assert.Equal(t, id, final.ID)
	mu.Unlock()

	assert.Equal(t, 1, store.count())
	assert.Equal(t, id, store.records[0].ID.String())
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	m := newTestManager(t, openOn(), nil)

	_, err := m.Start(context.Background(), ScanRequest{Target: "h", Ports: "0"})
	assert.True(t, errors.IsValidation(err))
	assert.Empty(t, m.List())
}

func TestFailedScan(t *testing.T) {
	m := newTestManager(t, openOn(), nil)

	id, err := m.Start(context.Background(), ScanRequest{Target: "unknown.invalid", Ports: "80"})
	require.NoError(t, err)

	job, err := m.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Nil(t, job.Result)
	assert.NotEmpty(t, job.Error)
}

func TestCancelRunningScan(t *testing.T) {
	var probed atomic.Int32
	started := make(chan struct{})
	var once sync.Once
	slow := scanning.FuncProber(func(_ context.Context, _ string, port int, _ time.Duration) scanning.ProbeOutcome {
		once.Do(func() { close(started) })
		probed.Add(1)
		time.Sleep(5 * time.Millisecond)
		return scanning.ProbeOutcome{Port: port, Status: scanning.StatusClosed}
	})
	store := &recordingStore{}
	m := newTestManager(t, slow, func(c *ManagerConfig) { c.Store = store })

	id, err := m.Start(context.Background(), ScanRequest{Target: "scanme", Ports: "1-2000", Concurrency: 2})
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Cancel(id))
	job, err := m.Wait(waitCtx(t), id)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, job.State)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Cancelled)
	assert.Less(t, job.Result.ScannedPorts, 2000)
	assert.Equal(t, int(probed.Load()), job.Result.ScannedPorts)
	assert.Equal(t, 1, store.count(), "partial results are stored too")

	err = m.Cancel(id)
	assert.True(t, errors.IsCode(err, errors.CodeConflict))
}

func TestSlotLimitQueuesScans(t *testing.T) {
	release := make(chan struct{})
	blocking := scanning.FuncProber(func(_ context.Context, _ string, port int, _ time.Duration) scanning.ProbeOutcome {
		<-release
		return scanning.ProbeOutcome{Port: port, Status: scanning.StatusClosed}
	})
	m := newTestManager(t, blocking, func(c *ManagerConfig) { c.MaxConcurrentScans = 1 })

	first, err := m.Start(context.Background(), ScanRequest{Target: "a", Ports: "80"})
	require.NoError(t, err)
	second, err := m.Start(context.Background(), ScanRequest{Target: "b", Ports: "80"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Running == 1 && s.Queued == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Stats().SlotsFree)

	close(release)
	for _, id := range []string{first, second} {
		job, err := m.Wait(waitCtx(t), id)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, job.State)
	}
	assert.Equal(t, 1, m.Stats().SlotsFree)
}

func TestCancelQueuedScan(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := scanning.FuncProber(func(_ context.Context, _ string, port int, _ time.Duration) scanning.ProbeOutcome {
		<-release
		return scanning.ProbeOutcome{Port: port, Status: scanning.StatusClosed}
	})
	m := newTestManager(t, blocking, func(c *ManagerConfig) { c.MaxConcurrentScans = 1 })

	_, err := m.Start(context.Background(), ScanRequest{Target: "a", Ports: "80"})
	require.NoError(t, err)
	queued, err := m.Start(context.Background(), ScanRequest{Target: "b", Ports: "80"})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(queued))
	job, err := m.Wait(waitCtx(t), queued)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State)
	assert.Nil(t, job.Result)
	assert.Nil(t, job.StartedAt)
}

func TestGetAndListUnknown(t *testing.T) {
	m := newTestManager(t, openOn(), nil)

	_, err := m.Get("missing")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	assert.True(t, errors.IsCode(m.Cancel("missing"), errors.CodeNotFound))
	_, err = m.Wait(context.Background(), "missing")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestListNewestFirstAndPruned(t *testing.T) {
	m := newTestManager(t, openOn(), func(c *ManagerConfig) { c.MaxHistory = 2 })

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Start(context.Background(), ScanRequest{Target: "h", Ports: "80"})
		require.NoError(t, err)
		_, err = m.Wait(waitCtx(t), id)
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	jobs := m.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)
}

func TestShutdownRejectsNewScans(t *testing.T) {
	m := newTestManager(t, openOn(), nil)
	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.Start(context.Background(), ScanRequest{Target: "h", Ports: "80"})
	assert.True(t, errors.IsCode(err, errors.CodeServiceUnavailable))
}

func TestShutdownRacingStartsLeavesNoScanRunning(t *testing.T) {
	blocking := scanning.FuncProber(func(ctx context.Context, _ string, port int, _ time.Duration) scanning.ProbeOutcome {
		<-ctx.Done()
		return scanning.ProbeOutcome{Port: port, Status: scanning.StatusFiltered}
	})
	m := newTestManager(t, blocking, nil)

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.Start(context.Background(), ScanRequest{Target: "h", Ports: "80-90"})
			if err != nil {
				assert.True(t, errors.IsCode(err, errors.CodeServiceUnavailable))
				return
			}
			mu.Lock()
			accepted = append(accepted, id)
			mu.Unlock()
		}()
	}

	require.NoError(t, m.Shutdown(waitCtx(t)))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range accepted {
		job, err := m.Get(id)
		require.NoError(t, err)
		assert.True(t, job.State.Terminal(), "scan %s still %s after shutdown", id, job.State)
	}
}

func TestStartWithCallerID(t *testing.T) {
	m := newTestManager(t, openOn(80), nil)

	id, err := m.Start(context.Background(), ScanRequest{ID: "agent-scan-1", Target: "h", Ports: "80"})
	require.NoError(t, err)
	assert.Equal(t, "agent-scan-1", id)

	job, err := m.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)

	_, err = m.Start(context.Background(), ScanRequest{ID: "agent-scan-1", Target: "h", Ports: "80"})
	assert.True(t, errors.IsCode(err, errors.CodeConflict))
}
