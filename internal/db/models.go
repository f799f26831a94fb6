package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/scanning"
)

// ScanRecord is a row of the scans table.
type ScanRecord struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Target        string    `db:"target" json:"target"`
	Host          string    `db:"host" json:"host"`
	Profile       string    `db:"profile" json:"profile,omitempty"`
	Status        string    `db:"status" json:"status"`
	StartTime     time.Time `db:"start_time" json:"start_time"`
	EndTime       time.Time `db:"end_time" json:"end_time"`
	DurationMS    int64     `db:"duration_ms" json:"duration_ms"`
	TotalPorts    int       `db:"total_ports" json:"total_ports"`
	ScannedPorts  int       `db:"scanned_ports" json:"scanned_ports"`
	OpenCount     int       `db:"open_count" json:"open_count"`
	ClosedCount   int       `db:"closed_count" json:"closed_count"`
	FilteredCount int       `db:"filtered_count" json:"filtered_count"`
	ScanSpeed     float64   `db:"scan_speed" json:"scan_speed"`
	Cancelled     bool      `db:"cancelled" json:"cancelled"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`

	OpenPorts []OpenPortRecord `db:"-" json:"open_ports"`
}

// OpenPortRecord is a row of scan_open_ports.
type OpenPortRecord struct {
	ScanID    uuid.UUID `db:"scan_id" json:"-"`
	Port      int       `db:"port" json:"port"`
	Service   string    `db:"service" json:"service"`
	Banner    string    `db:"banner" json:"banner,omitempty"`
	LatencyMS float64   `db:"latency_ms" json:"latency_ms"`
}

// ScanFilters narrows List queries. Zero values match everything.
type ScanFilters struct {
	Target string
	Status string
	Since  time.Time
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ScanFilters) normalized() ScanFilters {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// NewScanRecord flattens a scan result for storage. A result without a
// parseable ID gets a fresh one, which is written back to the record only.
func NewScanRecord(result *scanning.ScanResult, profile string) *ScanRecord {
	id, err := uuid.Parse(result.ID)
	if err != nil {
		id = uuid.New()
	}

	rec := &ScanRecord{
		ID:            id,
		Target:        result.Target,
		Host:          result.Host,
		Profile:       profile,
		Status:        result.Status(),
		StartTime:     result.StartTime,
		EndTime:       result.EndTime,
		DurationMS:    result.Duration.Milliseconds(),
		TotalPorts:    result.TotalPorts,
		ScannedPorts:  result.ScannedPorts,
		OpenCount:     len(result.OpenPorts),
		ClosedCount:   result.ClosedCount,
		FilteredCount: result.FilteredCount,
		ScanSpeed:     result.ScanSpeed,
		Cancelled:     result.Cancelled,
		OpenPorts:     make([]OpenPortRecord, 0, len(result.OpenPorts)),
	}
	for _, o := range result.OpenPorts {
		rec.OpenPorts = append(rec.OpenPorts, OpenPortRecord{
			ScanID:    id,
			Port:      o.Port,
			Service:   ports.PortInfo(o.Port).Service,
			Banner:    o.Banner,
			LatencyMS: float64(o.Latency) / float64(time.Millisecond),
		})
	}
	return rec
}

// ToResult rebuilds the scan result a record was stored from.
func (r *ScanRecord) ToResult() *scanning.ScanResult {
	result := &scanning.ScanResult{
		ID:            r.ID.String(),
		Host:          r.Host,
		Target:        r.Target,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		Duration:      time.Duration(r.DurationMS) * time.Millisecond,
		TotalPorts:    r.TotalPorts,
		ScannedPorts:  r.ScannedPorts,
		ClosedCount:   r.ClosedCount,
		FilteredCount: r.FilteredCount,
		ScanSpeed:     r.ScanSpeed,
		Cancelled:     r.Cancelled,
		OpenPorts:     make([]scanning.ProbeOutcome, 0, len(r.OpenPorts)),
	}
	for _, p := range r.OpenPorts {
		result.OpenPorts = append(result.OpenPorts, scanning.ProbeOutcome{
			Port:    p.Port,
			Status:  scanning.StatusOpen,
			Banner:  p.Banner,
			Latency: time.Duration(p.LatencyMS * float64(time.Millisecond)),
		})
	}
	return result
}
