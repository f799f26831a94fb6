package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/anstrom/portsweep/internal/scanning"
)

// WriteJSON writes the indented JSON document for result.
func WriteJSON(w io.Writer, result *scanning.ScanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(NewDocument(result)); err != nil {
		return fmt.Errorf("encode JSON report: %w", err)
	}
	return nil
}

// LoadJSON reads a JSON report back into a scan result.
func LoadJSON(path string) (*scanning.ScanResult, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-chosen path
	if err != nil {
		return nil, fmt.Errorf("read JSON report: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode JSON report: %w", err)
	}
	return doc.Result(), nil
}
