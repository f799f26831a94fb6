package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/services"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// StatsProvider reports scan manager load.
type StatsProvider interface {
	Stats() services.Stats
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	database  DatabasePinger
	scans     StatsProvider
	version   string
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database may be nil.
func NewHealthHandler(database DatabasePinger, scans StatsProvider, version string, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		scans:     scans,
		version:   version,
		logger:    logger.WithComponent("health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// StatusResponse represents a detailed status response.
type StatusResponse struct {
	Service   ServiceInfo    `json:"service"`
	System    SystemInfo     `json:"system"`
	Scans     services.Stats `json:"scans"`
	Timestamp time.Time      `json:"timestamp"`
}

// ServiceInfo contains service-related information.
type ServiceInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
	PID       int       `json:"pid"`
}

// SystemInfo contains runtime information.
type SystemInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	GoVersion    string `json:"go_version"`
	Goroutines   int    `json:"goroutines"`
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
}

// Liveness handles GET /api/v1/liveness.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"uptime":    h.uptime(),
	})
}

// Health handles GET /api/v1/health. It reports 503 when a configured
// database does not answer.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    h.uptime(),
		Checks:    make(map[string]string),
	}

	if h.database == nil {
		response.Checks["database"] = StatusNotConfigured
	} else if err := h.database.Ping(ctx); err != nil {
		h.logger.Warn("Database health check failed", "error", err)
		response.Status = StatusUnhealthy
		response.Checks["database"] = "failed: " + err.Error()
	} else {
		response.Checks["database"] = "ok"
	}

	if h.scans != nil {
		response.Checks["scan_manager"] = "ok"
	}

	status := http.StatusOK
	if response.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, response)
}

// Status handles GET /api/v1/status.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatusResponse{
		Service: ServiceInfo{
			Name:      "portsweep",
			Version:   h.version,
			StartTime: h.startTime.UTC(),
			Uptime:    h.uptime(),
			PID:       os.Getpid(),
		},
		System: SystemInfo{
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			CPUs:         runtime.NumCPU(),
			GoVersion:    runtime.Version(),
			Goroutines:   runtime.NumGoroutine(),
			HeapAlloc:    mem.HeapAlloc,
		},
		Timestamp: time.Now().UTC(),
	}
	if h.scans != nil {
		response.Scans = h.scans.Stats()
	}
	writeJSON(w, r, http.StatusOK, response)
}

// Version handles GET /api/v1/version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"service":   "portsweep",
		"version":   h.version,
		"timestamp": time.Now().UTC(),
	})
}

func (h *HealthHandler) uptime() string {
	return time.Since(h.startTime).Round(time.Second).String()
}
