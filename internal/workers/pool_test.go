package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockJob implements the Job interface for testing
type MockJob struct {
	id       string
	duration time.Duration
	err      error
	executed int32
}

func NewMockJob(id string, duration time.Duration, err error) *MockJob {
	return &MockJob{id: id, duration: duration, err: err}
}

func (m *MockJob) Execute(context.Context) error {
	if m.duration > 0 {
		time.Sleep(m.duration)
	}
	atomic.AddInt32(&m.executed, 1)
	return m.err
}

func (m *MockJob) ID() string   { return m.id }
func (m *MockJob) Type() string { return "mock" }

func (m *MockJob) ExecutedCount() int32 {
	return atomic.LoadInt32(&m.executed)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"unbuffered", Config{Size: 1}, false},
		{"zero size", Config{Size: 0}, true},
		{"negative size", Config{Size: -3}, true},
		{"negative queue", Config{Size: 1, QueueSize: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPoolLifecycle(t *testing.T) {
	t.Run("runs every submitted job once", func(t *testing.T) {
		pool := New(Config{Size: 4, QueueSize: 4})
		require.NoError(t, pool.Start(context.Background()))

		jobs := make([]*MockJob, 50)
		for i := range jobs {
			jobs[i] = NewMockJob(fmt.Sprintf("job-%d", i), 0, nil)
			require.NoError(t, pool.Submit(context.Background(), jobs[i]))
		}
		pool.Close()
		require.NoError(t, pool.Wait())

		for _, job := range jobs {
			assert.Equal(t, int32(1), job.ExecutedCount(), job.ID())
		}
		assert.Equal(t, int64(50), pool.Completed())
		assert.Equal(t, int64(0), pool.Failed())
	})

	t.Run("counts failed jobs without stopping", func(t *testing.T) {
		pool := New(Config{Size: 2})
		require.NoError(t, pool.Start(context.Background()))

		require.NoError(t, pool.Submit(context.Background(), NewMockJob("ok", 0, nil)))
		require.NoError(t, pool.Submit(context.Background(), NewMockJob("bad", 0, errors.New("nope"))))
		require.NoError(t, pool.Submit(context.Background(), NewMockJob("ok2", 0, nil)))
		pool.Close()

		require.NoError(t, pool.Wait())
		assert.Equal(t, int64(3), pool.Completed())
		assert.Equal(t, int64(1), pool.Failed())
	})

	t.Run("start rejects invalid size", func(t *testing.T) {
		pool := New(Config{Size: 0})
		assert.Error(t, pool.Start(context.Background()))
	})

	t.Run("start twice fails", func(t *testing.T) {
		pool := New(Config{Size: 1})
		require.NoError(t, pool.Start(context.Background()))
		assert.Error(t, pool.Start(context.Background()))
		pool.Close()
		require.NoError(t, pool.Wait())
	})

	t.Run("submit before start", func(t *testing.T) {
		pool := New(Config{Size: 1})
		err := pool.Submit(context.Background(), NewMockJob("x", 0, nil))
		assert.ErrorIs(t, err, ErrPoolNotStarted)
	})

	t.Run("submit after close", func(t *testing.T) {
		pool := New(Config{Size: 1})
		require.NoError(t, pool.Start(context.Background()))
		pool.Close()
		pool.Close()

		err := pool.Submit(context.Background(), NewMockJob("x", 0, nil))
		assert.ErrorIs(t, err, ErrPoolClosed)
		require.NoError(t, pool.Wait())
	})
}

func TestPoolConcurrencyBound(t *testing.T) {
	const size = 3
	var inFlight, peak int32

	pool := New(Config{Size: size})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 30; i++ {
		job := Func{JobID: fmt.Sprint(i), JobType: "bounded", Fn: func(context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		}}
		require.NoError(t, pool.Submit(context.Background(), job))
	}
	pool.Close()
	require.NoError(t, pool.Wait())

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(size))
	assert.Equal(t, int64(30), pool.Completed())
}

func TestPoolCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := New(Config{Size: 1, QueueSize: 10})
	require.NoError(t, pool.Start(ctx))

	started := make(chan struct{})
	release := make(chan struct{})
	var blockerCtxErr error
	blocker := Func{JobID: "blocker", JobType: "mock", Fn: func(ctx context.Context) error {
		close(started)
		<-release
		blockerCtxErr = ctx.Err()
		return nil
	}}
	require.NoError(t, pool.Submit(context.Background(), blocker))

	queued := make([]*MockJob, 5)
	for i := range queued {
		queued[i] = NewMockJob(fmt.Sprintf("queued-%d", i), 0, nil)
		require.NoError(t, pool.Submit(context.Background(), queued[i]))
	}

	<-started
	cancel()
	close(release)
	require.NoError(t, pool.Wait())

	assert.NoError(t, blockerCtxErr, "in-flight job must not see cancellation")
	assert.Equal(t, int64(1), pool.Completed())
	for _, job := range queued {
		assert.Equal(t, int32(0), job.ExecutedCount())
	}

	err := pool.Submit(context.Background(), NewMockJob("late", 0, nil))
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolSubmitHonoursCallerContext(t *testing.T) {
	pool := New(Config{Size: 1})
	require.NoError(t, pool.Start(context.Background()))

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Func{JobID: "hold", Fn: func(context.Context) error {
		<-release
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// The single worker is busy and the queue is unbuffered.
	err := pool.Submit(ctx, NewMockJob("blocked", 0, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Close()
	require.NoError(t, pool.Wait())
}

func TestPoolPanicIsFault(t *testing.T) {
	pool := New(Config{Size: 2, QueueSize: 100})
	require.NoError(t, pool.Start(context.Background()))

	var ran sync.WaitGroup
	ran.Add(1)
	require.NoError(t, pool.Submit(context.Background(), Func{JobID: "boom", JobType: "mock", Fn: func(context.Context) error {
		defer ran.Done()
		panic("kaboom")
	}}))
	ran.Wait()

	for i := 0; i < 20; i++ {
		if err := pool.Submit(context.Background(), NewMockJob(fmt.Sprint(i), time.Millisecond, nil)); err != nil {
			assert.ErrorIs(t, err, ErrPoolStopped)
			break
		}
	}
	pool.Close()

	err := pool.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}
