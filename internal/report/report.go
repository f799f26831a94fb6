// Package report renders scan results for people and machines: a colored
// console summary, and JSON, HTML and XML documents written to disk.
// A cancelled scan is labelled as partial in every rendering.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/scanning"
)

// Format names a file rendering.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatXML  Format = "xml"
)

const (
	// DefaultDirectory is where reports go when no directory is configured.
	DefaultDirectory = "results"

	consoleBannerWidth = 30
	htmlBannerWidth    = 50

	dirPerm  = 0o755
	filePerm = 0o644
)

// ParseFormat accepts json, html or xml in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatHTML, FormatXML:
		return f, nil
	default:
		return "", errors.NewValidationError("format", s, "report format must be json, html or xml")
	}
}

// Statistics mirrors the counters of a scan result.
type Statistics struct {
	TotalPorts    int     `json:"total_ports_scanned" xml:"total,attr"`
	ScannedPorts  int     `json:"scanned_ports" xml:"scanned,attr"`
	OpenPorts     int     `json:"open_ports_count" xml:"open,attr"`
	ClosedPorts   int     `json:"closed_ports_count" xml:"closed,attr"`
	FilteredPorts int     `json:"filtered_ports_count" xml:"filtered,attr"`
	ScanSpeed     float64 `json:"scan_speed" xml:"speed,attr"`
}

// OpenPort is an open port annotated with catalog information.
type OpenPort struct {
	ports.Info
	Banner string `json:"banner" xml:"banner,omitempty"`
}

// Document is the file representation shared by the JSON and XML writers.
type Document struct {
	ID              string     `json:"id,omitempty" xml:"id,attr,omitempty"`
	Target          string     `json:"target" xml:"target,attr"`
	Host            string     `json:"host,omitempty" xml:"host,attr,omitempty"`
	Status          string     `json:"status" xml:"status,attr"`
	Partial         bool       `json:"partial" xml:"partial,attr"`
	StartTime       time.Time  `json:"start_time" xml:"start_time,attr"`
	EndTime         time.Time  `json:"end_time" xml:"end_time,attr"`
	DurationSeconds float64    `json:"duration_seconds" xml:"duration,attr"`
	Statistics      Statistics `json:"statistics" xml:"statistics"`
	OpenPorts       []OpenPort `json:"open_ports" xml:"ports>port"`
}

// NewDocument annotates a result with service information.
func NewDocument(result *scanning.ScanResult) *Document {
	doc := &Document{
		ID:              result.ID,
		Target:          result.Target,
		Host:            result.Host,
		Status:          result.Status(),
		Partial:         !result.Complete(),
		StartTime:       result.StartTime,
		EndTime:         result.EndTime,
		DurationSeconds: result.DurationSeconds(),
		Statistics: Statistics{
			TotalPorts:    result.TotalPorts,
			ScannedPorts:  result.ScannedPorts,
			OpenPorts:     len(result.OpenPorts),
			ClosedPorts:   result.ClosedCount,
			FilteredPorts: result.FilteredCount,
			ScanSpeed:     result.ScanSpeed,
		},
		OpenPorts: make([]OpenPort, 0, len(result.OpenPorts)),
	}
	for _, o := range result.OpenPorts {
		doc.OpenPorts = append(doc.OpenPorts, OpenPort{Info: ports.PortInfo(o.Port), Banner: o.Banner})
	}
	return doc
}

// Result converts a document back into a scan result. Probe latency is
// not part of the document and comes back as zero.
func (d *Document) Result() *scanning.ScanResult {
	result := &scanning.ScanResult{
		ID:            d.ID,
		Host:          d.Host,
		Target:        d.Target,
		StartTime:     d.StartTime,
		EndTime:       d.EndTime,
		Duration:      time.Duration(d.DurationSeconds * float64(time.Second)),
		TotalPorts:    d.Statistics.TotalPorts,
		ScannedPorts:  d.Statistics.ScannedPorts,
		ClosedCount:   d.Statistics.ClosedPorts,
		FilteredCount: d.Statistics.FilteredPorts,
		ScanSpeed:     d.Statistics.ScanSpeed,
		Cancelled:     d.Partial,
		OpenPorts:     make([]scanning.ProbeOutcome, 0, len(d.OpenPorts)),
	}
	for _, p := range d.OpenPorts {
		result.OpenPorts = append(result.OpenPorts, scanning.ProbeOutcome{
			Port:   p.Port,
			Status: scanning.StatusOpen,
			Banner: p.Banner,
		})
	}
	return result
}

// FormatDuration renders seconds below a minute, minutes below an hour,
// and hours beyond that, with two decimals.
func FormatDuration(d time.Duration) string {
	s := d.Seconds()
	switch {
	case s < 60:
		return fmt.Sprintf("%.2f seconds", s)
	case s < 3600:
		return fmt.Sprintf("%.2f minutes", s/60)
	default:
		return fmt.Sprintf("%.2f hours", s/3600)
	}
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DefaultFilename returns dir/scan_<target>_<YYYYmmdd_HHMMSS>.<ext>.
// Characters that are unsafe in file names are replaced in the target.
func DefaultFilename(dir, target string, at time.Time, format Format) string {
	if dir == "" {
		dir = DefaultDirectory
	}
	name := fmt.Sprintf("scan_%s_%s.%s",
		unsafeFilename.ReplaceAllString(target, "_"), at.Format("20060102_150405"), format)
	return filepath.Join(dir, name)
}

// SaveFile renders result in format to path, creating parent directories.
func SaveFile(result *scanning.ScanResult, format Format, path string) error {
	if result == nil {
		return errors.New("cannot save nil result")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm) //nolint:gosec // operator-chosen path
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	switch format {
	case FormatJSON:
		err = WriteJSON(f, result)
	case FormatHTML:
		err = WriteHTML(f, result)
	case FormatXML:
		err = WriteXML(f, result)
	default:
		_, err = ParseFormat(string(format))
	}
	if err != nil {
		return err
	}
	return f.Close()
}
