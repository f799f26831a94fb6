package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"github.com/anstrom/portsweep/internal/scanning"
)

type xmlDocument struct {
	XMLName xml.Name `xml:"scanresult"`
	*Document
}

// WriteXML writes the indented XML document for result.
func WriteXML(w io.Writer, result *scanning.ScanResult) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write XML header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(xmlDocument{Document: NewDocument(result)}); err != nil {
		return fmt.Errorf("encode XML report: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("write XML report: %w", err)
	}
	return nil
}

// SaveResults writes result as an XML file.
func SaveResults(result *scanning.ScanResult, path string) error {
	return SaveFile(result, FormatXML, path)
}

// LoadResults reads an XML file written by SaveResults.
func LoadResults(path string) (*scanning.ScanResult, error) {
	f, err := os.Open(path) //nolint:gosec // operator-chosen path
	if err != nil {
		return nil, fmt.Errorf("open XML report: %w", err)
	}
	defer f.Close()

	doc := xmlDocument{Document: &Document{}}
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode XML report: %w", err)
	}
	return doc.Result(), nil
}
