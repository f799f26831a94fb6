package metrics

import "time"

//go:generate mockgen -destination=mocks/mock_metrics.go -package=mocks github.com/anstrom/portsweep/internal/metrics ScanMetrics,HTTPMetrics

// ScanMetrics receives scan lifecycle and per-probe observations.
type ScanMetrics interface {
	// ScanStarted is called once before the first probe is dispatched.
	ScanStarted(ports int)
	// ScanFinished is called once with "completed", "cancelled" or "failed".
	ScanFinished(status string, duration time.Duration)
	// PortProbed is called once per classified port.
	PortProbed(status string, duration time.Duration)
}

// HTTPMetrics receives per-request observations from the API middleware.
type HTTPMetrics interface {
	ObserveHTTPRequest(method, path string, status int, duration time.Duration)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ScanStarted(int) {}
func (Nop) ScanFinished(string, time.Duration) {}
func (Nop) PortProbed(string, time.Duration) {}
func (Nop) ObserveHTTPRequest(string, string, int, time.Duration) {}

var (
	_ ScanMetrics = (*PrometheusMetrics)(nil)
	_ HTTPMetrics = (*PrometheusMetrics)(nil)
	_ ScanMetrics = Nop{}
	_ HTTPMetrics = Nop{}
)
