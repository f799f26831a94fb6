package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/scanning"
)

func sampleResult() *scanning.ScanResult {
	start := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	return &scanning.ScanResult{
		ID:           "3f1c",
		Host:         "mail.example.test",
		Target:       "192.0.2.25",
		StartTime:    start,
		EndTime:      start.Add(2500 * time.Millisecond),
		Duration:     2500 * time.Millisecond,
		TotalPorts:   5,
		ScannedPorts: 5,
		OpenPorts: []scanning.ProbeOutcome{
			{Port: 25, Status: scanning.StatusOpen, Banner: "220 mail.example.test ESMTP Postfix (Debian/GNU) ready"},
			{Port: 445, Status: scanning.StatusOpen},
		},
		ClosedCount:   2,
		FilteredCount: 1,
		ScanSpeed:     2,
	}
}

func partialResult() *scanning.ScanResult {
	r := sampleResult()
	r.ScannedPorts = 3
	r.Cancelled = true
	return r
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0.00 seconds"},
		{1500 * time.Millisecond, "1.50 seconds"},
		{59 * time.Second, "59.00 seconds"},
		{90 * time.Second, "1.50 minutes"},
		{3600 * time.Second, "1.00 hours"},
		{5400 * time.Second, "1.50 hours"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.d))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 30))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "héé", Truncate("hééllo", 3))
}

func TestDefaultFilename(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, filepath.Join("results", "scan_192.0.2.1_20250102_030405.json"),
		DefaultFilename("", "192.0.2.1", at, FormatJSON))
	assert.Equal(t, filepath.Join("out", "scan_2001_db8_1_20250102_030405.html"),
		DefaultFilename("out", "2001:db8::1", at, FormatHTML))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" XML ")
	require.NoError(t, err)
	assert.Equal(t, FormatXML, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestNewDocument(t *testing.T) {
	doc := NewDocument(sampleResult())
	assert.Equal(t, "completed", doc.Status)
	assert.False(t, doc.Partial)
	assert.Equal(t, 2.5, doc.DurationSeconds)
	assert.Equal(t, 2, doc.Statistics.OpenPorts)
	require.Len(t, doc.OpenPorts, 2)
	assert.Equal(t, "SMTP", doc.OpenPorts[0].Service)
	assert.True(t, doc.OpenPorts[1].Dangerous)
	assert.NotEmpty(t, doc.OpenPorts[1].DangerNote)

	assert.True(t, NewDocument(partialResult()).Partial)
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleResult()))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.Equal(t, "192.0.2.25", raw["target"])
	assert.Equal(t, 2.5, raw["duration_seconds"])

	stats := raw["statistics"].(map[string]any)
	assert.Equal(t, float64(5), stats["total_ports_scanned"])
	assert.Equal(t, float64(2), stats["open_ports_count"])
	assert.Equal(t, float64(2), stats["closed_ports_count"])
	assert.Equal(t, float64(1), stats["filtered_ports_count"])

	open := raw["open_ports"].([]any)
	smb := open[1].(map[string]any)
	assert.Equal(t, float64(445), smb["port"])
	assert.Equal(t, "SMB", smb["service"])
	assert.Equal(t, "well-known", smb["category"])
	assert.Equal(t, true, smb["is_dangerous"])
}

func TestWriteHTML(t *testing.T) {
	result := sampleResult()
	result.OpenPorts[0].Banner = "<script>alert(1)</script>"

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, result))
	html := buf.String()

	assert.Contains(t, html, "192.0.2.25")
	assert.Contains(t, html, "2.50 seconds")
	assert.Contains(t, html, "WARNING")
	assert.NotContains(t, html, "<script>alert")
	assert.NotContains(t, html, "Partial result")

	buf.Reset()
	require.NoError(t, WriteHTML(&buf, partialResult()))
	assert.Contains(t, buf.String(), "Partial result")
	assert.Contains(t, buf.String(), "after 3 of 5 ports")
}

func TestXMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.xml")
	original := partialResult()
	require.NoError(t, SaveResults(original, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))
	assert.Contains(t, string(data), "<scanresult")
	assert.Contains(t, string(data), `partial="true"`)

	loaded, err := LoadResults(path)
	require.NoError(t, err)
	assert.Equal(t, original.Target, loaded.Target)
	assert.Equal(t, original.Duration, loaded.Duration)
	assert.Equal(t, original.OpenPortNumbers(), loaded.OpenPortNumbers())
	assert.Equal(t, original.OpenPorts[0].Banner, loaded.OpenPorts[0].Banner)
	assert.Equal(t, 3, loaded.ScannedPorts)
	assert.True(t, loaded.Cancelled)
	assert.True(t, original.StartTime.Equal(loaded.StartTime))
}

func TestLoadResultsMissingFile(t *testing.T) {
	_, err := LoadResults(filepath.Join(t.TempDir(), "nope.xml"))
	assert.Error(t, err)
}

func TestSaveFileJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "scan.json")
	require.NoError(t, SaveFile(sampleResult(), FormatJSON, path))

	loaded, err := LoadJSON(path)
	require.NoError(t, err)
	assert.Equal(t, []int{25, 445}, loaded.OpenPortNumbers())
	assert.False(t, loaded.Cancelled)

	assert.Error(t, SaveFile(nil, FormatJSON, path))
	assert.Error(t, SaveFile(sampleResult(), Format("pdf"), path))
}

func TestConsolePrint(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewConsole(&buf, true).Print(sampleResult()))
	out := buf.String()

	assert.Contains(t, out, "SCAN RESULTS")
	assert.NotContains(t, out, "PARTIAL")
	assert.Contains(t, out, "mail.example.test (192.0.2.25)")
	assert.Contains(t, out, "2.50 seconds")
	assert.Contains(t, out, "Open ports: 2")
	assert.Contains(t, out, "220 mail.example.test ESMTP P")
	assert.NotContains(t, out, "Postfix (Debian")
	assert.Contains(t, out, "port 445: SMB")
	assert.NotContains(t, out, "\x1b[")
}

func TestConsolePrintPartialAndEmpty(t *testing.T) {
	r := partialResult()
	r.OpenPorts = []scanning.ProbeOutcome{}

	var buf bytes.Buffer
	require.NoError(t, NewConsole(&buf, true).Print(r))
	out := buf.String()
	assert.Contains(t, out, "PARTIAL - CANCELLED")
	assert.Contains(t, out, "3 of 5")
	assert.Contains(t, out, "No open ports found.")
}
