package scanning

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/ports"
)

// Status is the classification of a single probed port.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusFiltered Status = "filtered"
)

// Defaults applied by ScanConfig.WithDefaults.
const (
	DefaultTimeout     = 500 * time.Millisecond
	DefaultConcurrency = 100
	DefaultBannerSize  = 1024
	DefaultGreeting    = "Hello\r\n"
	MaxConcurrency     = 5000
)

// ProbeOutcome is the classified result of probing one port. Banner is only
// ever set for open ports.
type ProbeOutcome struct {
	Port    int           `json:"port" xml:"port,attr"`
	Status  Status        `json:"status" xml:"status,attr"`
	Banner  string        `json:"banner,omitempty" xml:"banner,omitempty"`
	Latency time.Duration `json:"latency_ns,omitempty" xml:"-"`
}

// ProgressFunc receives the number of ports classified so far and the total.
// It runs on a worker goroutine with the result lock held and must not block.
type ProgressFunc func(completed, total int)

// ScanConfig describes one scan run.
type ScanConfig struct {
	// Target is a hostname or IP literal.
	Target string
	// Ports must already be resolved, see ports.ResolvePorts.
	Ports []int
	// Timeout bounds each connection attempt.
	Timeout time.Duration
	// Concurrency caps the number of in-flight probes.
	Concurrency int
}

// WithDefaults fills zero timeout and concurrency with package defaults.
func (c ScanConfig) WithDefaults() ScanConfig {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Validate checks the configuration before any network activity happens.
func (c ScanConfig) Validate() error {
	if c.Target == "" {
		return errors.NewValidationError("target", "", "no target specified")
	}
	if len(c.Ports) == 0 {
		return errors.NewValidationError("ports", "", "no ports specified")
	}
	seen := make(map[int]struct{}, len(c.Ports))
	for _, p := range c.Ports {
		if p < ports.MinPort || p > ports.MaxPort {
			return errors.NewValidationError("ports", fmt.Sprint(p), "port must be between 1 and 65535")
		}
		if _, dup := seen[p]; dup {
			return errors.NewValidationError("ports", fmt.Sprint(p), "duplicate port")
		}
		seen[p] = struct{}{}
	}
	if c.Timeout <= 0 {
		return errors.NewValidationError("timeout", c.Timeout.String(), "timeout must be positive")
	}
	if c.Concurrency <= 0 || c.Concurrency > MaxConcurrency {
		return errors.NewValidationError("concurrency", fmt.Sprint(c.Concurrency),
			fmt.Sprintf("concurrency must be between 1 and %d", MaxConcurrency))
	}
	return nil
}

// ScanResult aggregates every probe outcome of one run together with timing.
// It is built once by the engine and not modified afterwards.
type ScanResult struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Target    string    `json:"target"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// Duration is EndTime minus StartTime.
	Duration      time.Duration  `json:"-"`
	TotalPorts    int            `json:"total_ports"`
	ScannedPorts  int            `json:"scanned_ports"`
	OpenPorts     []ProbeOutcome `json:"open_ports"`
	ClosedCount   int            `json:"closed_ports"`
	FilteredCount int            `json:"filtered_ports"`
	// ScanSpeed is requested ports per second of wall clock time.
	ScanSpeed float64 `json:"scan_speed"`
	// Cancelled is set when the run stopped before every port was probed.
	Cancelled bool `json:"cancelled"`
}

// DurationSeconds returns the duration as fractional seconds.
func (r *ScanResult) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

// Complete reports whether every requested port was classified.
func (r *ScanResult) Complete() bool {
	return !r.Cancelled && r.ScannedPorts == r.TotalPorts
}

// OpenPortNumbers returns the open port numbers in ascending order.
func (r *ScanResult) OpenPortNumbers() []int {
	out := make([]int, len(r.OpenPorts))
	for i, o := range r.OpenPorts {
		out[i] = o.Port
	}
	return out
}

// Status summarizes the run as "completed" or "cancelled".
func (r *ScanResult) Status() string {
	if r.Complete() {
		return "completed"
	}
	return "cancelled"
}

// MarshalJSON encodes Duration as fractional seconds under "duration".
func (r ScanResult) MarshalJSON() ([]byte, error) {
	type plain ScanResult
	return json.Marshal(struct {
		plain
		Duration float64 `json:"duration"`
	}{plain(r), r.Duration.Seconds()})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *ScanResult) UnmarshalJSON(data []byte) error {
	type plain ScanResult
	aux := struct {
		*plain
		Duration float64 `json:"duration"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Duration = time.Duration(aux.Duration * float64(time.Second))
	return nil
}

// ScanSpeed computes ports per second, or 0 when the duration is not positive.
func ScanSpeed(total int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(total) / d.Seconds()
}

// aggregate is the only state shared between workers.
type aggregate struct {
	open     []ProbeOutcome
	closed   int
	filtered int
	done     int
	seen     map[int]struct{}
}

func newAggregate(total int) *aggregate {
	return &aggregate{seen: make(map[int]struct{}, total)}
}

// record folds one outcome in and returns the number of ports classified so far.
// Callers hold the engine's result lock.
func (a *aggregate) record(o ProbeOutcome) (int, bool) {
	if _, dup := a.seen[o.Port]; dup {
		return a.done, false
	}
	a.seen[o.Port] = struct{}{}

	switch o.Status {
	case StatusOpen:
		a.open = append(a.open, o)
	case StatusFiltered:
		a.filtered++
	default:
		a.closed++
	}
	a.done++
	return a.done, true
}

func (a *aggregate) fill(r *ScanResult) {
	open := make([]ProbeOutcome, len(a.open))
	copy(open, a.open)
	sort.Slice(open, func(i, j int) bool { return open[i].Port < open[j].Port })

	r.OpenPorts = open
	r.ClosedCount = a.closed
	r.FilteredCount = a.filtered
	r.ScannedPorts = a.done
}
