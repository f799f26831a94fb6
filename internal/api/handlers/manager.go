package handlers

import (
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/profiles"
	"github.com/anstrom/portsweep/internal/scanning"
)

// ScanBackend is what the handlers need from the scan manager.
type ScanBackend interface {
	ScanService
	ProgressSource
	StatsProvider
}

// Deps are the dependencies of the handler set. Database and History may
// be nil.
type Deps struct {
	Scans          ScanBackend
	History        HistoryStore
	Database       DatabasePinger
	Profiles       *profiles.Manager
	Resolver       scanning.TargetResolver
	Version        string
	MaxRequestSize int64
	AllowedOrigins []string
	Logger         *logging.Logger
}

// HandlerManager groups the API handlers.
type HandlerManager struct {
	Health    *HealthHandler
	Scans     *ScanHandler
	Profiles  *ProfileHandler
	Catalog   *CatalogHandler
	WebSocket *WebSocketHandler
}

// New creates every handler group.
func New(deps Deps) *HandlerManager {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if deps.Profiles == nil {
		deps.Profiles = profiles.NewManager(nil)
	}
	if deps.Resolver == nil {
		deps.Resolver = scanning.SystemResolver{}
	}

	return &HandlerManager{
		Health:    NewHealthHandler(deps.Database, deps.Scans, deps.Version, logger),
		Scans:     NewScanHandler(deps.Scans, deps.History, deps.MaxRequestSize, logger),
		Profiles:  NewProfileHandler(deps.Profiles, logger),
		Catalog:   NewCatalogHandler(deps.Resolver, deps.MaxRequestSize, logger),
		WebSocket: NewWebSocketHandler(deps.Scans, deps.AllowedOrigins, logger),
	}
}

// Close releases the websocket subscription and clients.
func (hm *HandlerManager) Close() {
	hm.WebSocket.Close()
}
