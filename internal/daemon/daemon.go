// Package daemon runs portsweep as a long-lived service. It wires the scan
// manager to the REST API, the cron scheduler and the NATS agent, keeps the
// PID file and turns SIGINT/SIGTERM into a graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/portsweep/internal/agent"
	"github.com/anstrom/portsweep/internal/api"
	apihandlers "github.com/anstrom/portsweep/internal/api/handlers"
	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/profiles"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/scheduler"
	"github.com/anstrom/portsweep/internal/services"
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// NewScanManager builds a scan manager from the scanning and profile
// sections. store and prom may be nil.
func NewScanManager(cfg *config.Config, store services.ScanStore, prom *metrics.PrometheusMetrics, logger *logging.Logger) *services.ScanManager {
	var scanMetrics metrics.ScanMetrics = metrics.Nop{}
	if prom != nil {
		scanMetrics = prom
	}
	return services.NewScanManager(services.ManagerConfig{
		MaxConcurrentScans: cfg.Scanning.MaxConcurrentScans,
		Defaults: services.Defaults{
			Ports:       cfg.Scanning.DefaultPorts,
			Timeout:     cfg.Scanning.Timeout,
			Concurrency: cfg.Scanning.Concurrency,
		},
		Profiles: profiles.NewManager(cfg.Profiles),
		Store:    store,
		EngineOptions: []scanning.Option{
			scanning.WithProber(scanning.NewTCPProber(cfg.ProberOptions())),
			scanning.WithResolver(scanning.NewTargetResolver(cfg.Scanning.DNSServer, cfg.Scanning.DNSTimeout)),
			scanning.WithMetrics(scanMetrics),
			scanning.WithLogger(logger),
		},
		Logger: logger,
	})
}

// Daemon represents the main daemon process.
type Daemon struct {
	config  *config.Config
	version string
	logger  *logging.Logger
	pidFile string

	database  *db.DB
	metrics   *metrics.PrometheusMetrics
	scans     *services.ScanManager
	apiServer *api.Server
	scheduler *scheduler.Scheduler
	agent     *agent.Agent

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	apiDone chan struct{}
	errCh   chan error
	mu      sync.RWMutex
}

// New creates a new daemon instance.
func New(cfg *config.Config, version string, logger *logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:  cfg,
		version: version,
		logger:  logger.WithComponent("daemon"),
		pidFile: cfg.Daemon.PIDFile,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		apiDone: make(chan struct{}),
		errCh:   make(chan error, 1),
	}
}

// Start validates the configuration, brings every enabled component up and
// blocks until Stop is called or a termination signal arrives.
func (d *Daemon) Start() error {
	d.logger.Info("Starting portsweep daemon", "version", d.version)

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	stopSignals := d.setupSignalHandlers()
	defer stopSignals()

	if err := d.initComponents(); err != nil {
		d.cleanup()
		close(d.done)
		return err
	}

	d.logger.Info("Daemon started",
		"api", d.apiServer != nil,
		"scheduler", d.scheduler != nil,
		"agent", d.agent != nil,
		"database", d.database != nil)

	err := d.run()
	d.cleanup()
	close(d.done)
	return err
}

// Stop asks a running daemon to shut down and waits for it.
func (d *Daemon) Stop() error {
	d.logger.Info("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		return nil
	case <-time.After(d.shutdownTimeout() + time.Second):
		return errors.NewScanError(errors.CodeTimeout, "daemon did not stop in time")
	}
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if d.config.Daemon.ShutdownTimeout > 0 {
		return d.config.Daemon.ShutdownTimeout
	}
	return 30 * time.Second
}

func (d *Daemon) initComponents() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config.Metrics.Enabled {
		d.metrics = metrics.NewPrometheusMetrics()
		interval := d.config.Metrics.UpdateInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		go d.metrics.StartPeriodicUpdates(d.ctx, interval)
	}

	// typed nils must not leak into the interface fields below
	var store services.ScanStore
	var history apihandlers.HistoryStore
	var pinger apihandlers.DatabasePinger
	if d.config.Database.Enabled {
		if err := d.initDatabase(); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		repo := db.NewScanRepository(d.database)
		store, history, pinger = repo, repo, d.database
	}

	d.scans = NewScanManager(d.config, store, d.metrics, d.logger)

	if d.config.IsAPIEnabled() {
		srv, err := api.New(d.config, apihandlers.Deps{
			Scans:    d.scans,
			History:  history,
			Database: pinger,
			Profiles: profiles.NewManager(d.config.Profiles),
			Resolver: scanning.NewTargetResolver(d.config.Scanning.DNSServer, d.config.Scanning.DNSTimeout),
			Version:  d.version,
			Logger:   d.logger,
		}, d.metrics)
		if err != nil {
			return fmt.Errorf("API server creation failed: %w", err)
		}
		d.apiServer = srv
		go func() {
			defer close(d.apiDone)
			if err := srv.Start(d.ctx); err != nil {
				d.fail(err)
			}
		}()
	}

	if len(d.config.Schedules) > 0 {
		s, err := scheduler.New(d.config.Schedules, d.scans, d.logger)
		if err != nil {
			return fmt.Errorf("scheduler creation failed: %w", err)
		}
		if err := s.Start(); err != nil {
			return err
		}
		d.scheduler = s
	}

	if d.config.Agent.Enabled {
		a := agent.New(d.config.Agent, d.scans, d.logger)
		if err := a.Connect(); err != nil {
			return fmt.Errorf("agent connection failed: %w", err)
		}
		d.agent = a
	}
	return nil
}

func (d *Daemon) initDatabase() error {
	d.logger.Info("Connecting to database", "host", d.config.Database.Host, "database", d.config.Database.Database)

	ctx, cancel := context.WithTimeout(d.ctx, d.shutdownTimeout())
	defer cancel()

	database, err := db.ConnectAndMigrate(ctx, &d.config.Database)
	if err != nil {
		return err
	}
	d.database = database
	d.logger.Info("Database connection established")
	return nil
}

// fail records the first component failure and stops the daemon.
func (d *Daemon) fail(err error) {
	select {
	case d.errCh <- err:
	default:
	}
	d.cancel()
}

func (d *Daemon) run() error {
	interval := d.config.Daemon.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info("Shutdown signal received")
			select {
			case err := <-d.errCh:
				return err
			default:
				return nil
			}
		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

func (d *Daemon) performHealthCheck() {
	if d.database != nil {
		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		defer cancel()
		if err := d.database.Ping(ctx); err != nil {
			d.logger.Warn("Database health check failed", "error", err)
		}
	}
	if d.scans != nil {
		stats := d.scans.Stats()
		d.logger.Debug("Scan manager status",
			"running", stats.Running,
			"queued", stats.Queued,
			"slots_free", stats.SlotsFree)
	}
}

// cleanup stops components in reverse start order.
func (d *Daemon) cleanup() {
	d.cancel()

	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.agent != nil {
		if err := d.agent.Close(); err != nil {
			d.logger.Warn("Error stopping agent", "error", err)
		}
	}
	if d.apiServer != nil {
		<-d.apiDone
	}
	if d.scans != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
		if err := d.scans.Shutdown(ctx); err != nil {
			d.logger.Warn("Scans did not finish before shutdown timeout", "error", err)
		}
		cancel()
	}
	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.Warn("Error closing database", "error", err)
		}
	}
	d.removePIDFile()
	d.logger.Info("Daemon stopped")
}

func (d *Daemon) setupSignalHandlers() func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGUSR1:
					d.dumpStatus()
				default:
					d.logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
					d.cancel()
					return
				}
			case <-d.ctx.Done():
				return
			}
		}
	}()

	return func() { signal.Stop(sigChan) }
}

func (d *Daemon) dumpStatus() {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fields := []any{"pid", os.Getpid(), "version", d.version}
	if d.scans != nil {
		s := d.scans.Stats()
		fields = append(fields, "running", s.Running, "queued", s.Queued, "tracked", s.Tracked)
	}
	if d.scheduler != nil {
		fields = append(fields, "schedules", len(d.scheduler.Entries()))
	}
	if d.agent != nil {
		fields = append(fields, "agent_in_flight", d.agent.InFlight())
	}
	if d.apiServer != nil {
		fields = append(fields, "api_address", d.apiServer.Address())
	}
	d.logger.Info("Daemon status", fields...)
}

func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Error removing PID file", "path", d.pidFile, "error", err)
	}
}

// checkExistingPID fails when the PID file names a live process and removes
// it when stale.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && isProcessRunning(pid) {
		return errors.NewScanError(errors.CodeConflict, fmt.Sprintf("daemon already running with PID %d", pid))
	}

	d.logger.Warn("Removing stale PID file", "path", d.pidFile)
	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// APIAddress returns the address the API server listens on, or "" when the
// API is disabled.
func (d *Daemon) APIAddress() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.apiServer == nil {
		return ""
	}
	return d.apiServer.Address()
}

// IsRunning reports whether the daemon has not been asked to stop.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}
