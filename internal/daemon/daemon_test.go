package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/services"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Daemon.PIDFile = filepath.Join(t.TempDir(), "run", "portsweep.pid")
	cfg.Daemon.ShutdownTimeout = 5 * time.Second
	cfg.Daemon.HealthCheckInterval = 50 * time.Millisecond
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startAsync(d *Daemon) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start() }()
	return errCh
}

func TestPIDFileLifecycle(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg, "test", logging.NewNop())

	require.NoError(t, d.createPIDFile())
	data, err := os.ReadFile(cfg.Daemon.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	info, err := os.Stat(cfg.Daemon.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(DefaultFilePermissions), info.Mode().Perm())

	d.removePIDFile()
	_, err = os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(err))

	// removing twice is harmless
	d.removePIDFile()
}

func TestPIDFileDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.PIDFile = ""
	d := New(cfg, "test", logging.NewNop())
	assert.NoError(t, d.createPIDFile())
	d.removePIDFile()
}

func TestCheckExistingPID(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		conflict bool
	}{
		{name: "live process", contents: strconv.Itoa(os.Getpid()), conflict: true},
		{name: "dead process", contents: "999999999"},
		{name: "garbage", contents: "not-a-pid"},
		{name: "zero", contents: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Daemon.PIDFile), DefaultDirPermissions))
			require.NoError(t, os.WriteFile(cfg.Daemon.PIDFile, []byte(tt.contents), DefaultFilePermissions))

			d := New(cfg, "test", logging.NewNop())
			err := d.createPIDFile()
			if tt.conflict {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeConflict))
				data, readErr := os.ReadFile(cfg.Daemon.PIDFile)
				require.NoError(t, readErr)
				assert.Equal(t, tt.contents, string(data), "live PID file must be left alone")
				return
			}
			require.NoError(t, err)
			data, readErr := os.ReadFile(cfg.Daemon.PIDFile)
			require.NoError(t, readErr)
			assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, isProcessRunning(os.Getpid()))
	assert.False(t, isProcessRunning(0))
	assert.False(t, isProcessRunning(-5))
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "loud"

	d := New(cfg, "test", logging.NewNop())
	err := d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")

	_, statErr := os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartServesAPIUntilStopped(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.API.Port = freePort(t)
	cfg.Schedules = []config.ScheduleConfig{
		{Name: "nightly", Cron: "0 3 * * *", Target: "127.0.0.1", Ports: "22", Enabled: true},
	}

	d := New(cfg, "1.2.3", logging.NewNop())
	errCh := startAsync(d)

	client := &http.Client{Timeout: time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/v1/liveness", cfg.API.Port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", cfg.API.Port), d.APIAddress())
	assert.True(t, d.IsRunning())

	_, err := os.Stat(cfg.Daemon.PIDFile)
	require.NoError(t, err)

	// health checks and the status dump must not disturb a running daemon
	time.Sleep(120 * time.Millisecond)
	d.dumpStatus()

	require.NoError(t, d.Stop())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	assert.False(t, d.IsRunning())
	_, err = os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestStartFailsWhenAPIPortBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.API.Port = ln.Addr().(*net.TCPAddr).Port

	d := New(cfg, "test", logging.NewNop())
	select {
	case err := <-startAsync(d):
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to listen")
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not report the listen failure")
	}

	_, err = os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestStartFailsWhenAgentCannotConnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Enabled = true
	cfg.Agent.NATSURL = "nats://127.0.0.1:1"

	d := New(cfg, "test", logging.NewNop())
	err := d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent connection failed")

	_, statErr := os.Stat(cfg.Daemon.PIDFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartFailsOnBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules = []config.ScheduleConfig{
		{Name: "broken", Cron: "every tuesday", Target: "127.0.0.1", Enabled: true},
	}

	d := New(cfg, "test", logging.NewNop())
	err := d.Start()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestNewScanManagerScansLocalListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := config.Default()
	cfg.Scanning.GrabBanner = false
	cfg.Scanning.MaxConcurrentScans = 3

	m := NewScanManager(cfg, nil, nil, logging.NewNop())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	}()
	assert.Equal(t, 3, m.Stats().SlotsMax)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := m.Start(ctx, services.ScanRequest{Target: "127.0.0.1", Ports: strconv.Itoa(port), TimeoutMS: 500})
	require.NoError(t, err)

	job, err := m.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, services.StateCompleted, job.State)
	require.NotNil(t, job.Result)
	assert.Equal(t, []int{port}, job.Result.OpenPortNumbers())
}
