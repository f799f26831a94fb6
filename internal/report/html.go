package report

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/anstrom/portsweep/internal/scanning"
)

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"truncate": Truncate,
	"duration": FormatDuration,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Port scan report - {{.Doc.Target}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 20px; background: #f4f4f4; }
.container { max-width: 1200px; margin: 0 auto; background: white; padding: 20px; border-radius: 8px; }
h1 { color: #2c3e50; border-bottom: 3px solid #3498db; padding-bottom: 10px; }
.info { background: #ecf0f1; padding: 15px; border-radius: 5px; margin: 20px 0; }
.partial { background: #e67e22; color: white; padding: 10px 15px; border-radius: 5px; }
.stats { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 15px; }
.stat-box { background: #3498db; color: white; padding: 15px; border-radius: 5px; text-align: center; }
table { width: 100%; border-collapse: collapse; margin: 20px 0; }
th { background: #2c3e50; color: white; padding: 12px; text-align: left; }
td { padding: 10px; border-bottom: 1px solid #ddd; }
.dangerous { background: #e74c3c; color: white; padding: 2px 8px; border-radius: 3px; }
.safe { background: #27ae60; color: white; padding: 2px 8px; border-radius: 3px; }
</style>
</head>
<body>
<div class="container">
<h1>Port scan report</h1>
{{if .Doc.Partial}}<p class="partial">Partial result: the scan was cancelled after {{.Doc.Statistics.ScannedPorts}} of {{.Doc.Statistics.TotalPorts}} ports.</p>{{end}}
<div class="info">
<p><strong>Target:</strong> {{.Doc.Target}}{{if and .Doc.Host (ne .Doc.Host .Doc.Target)}} ({{.Doc.Host}}){{end}}</p>
<p><strong>Date:</strong> {{.Doc.StartTime.Format "2006-01-02 15:04:05"}}</p>
<p><strong>Duration:</strong> {{duration .Duration}}</p>
<p><strong>Speed:</strong> {{printf "%.2f" .Doc.Statistics.ScanSpeed}} ports/second</p>
</div>
<h2>Statistics</h2>
<div class="stats">
<div class="stat-box"><h3>{{.Doc.Statistics.ScannedPorts}}</h3><p>Ports scanned</p></div>
<div class="stat-box" style="background: #27ae60;"><h3>{{.Doc.Statistics.OpenPorts}}</h3><p>Open</p></div>
<div class="stat-box" style="background: #95a5a6;"><h3>{{.Doc.Statistics.ClosedPorts}}</h3><p>Closed</p></div>
<div class="stat-box" style="background: #e67e22;"><h3>{{.Doc.Statistics.FilteredPorts}}</h3><p>Filtered</p></div>
</div>
<h2>Open ports</h2>
{{if .Doc.OpenPorts}}<table>
<thead><tr><th>Port</th><th>Service</th><th>Category</th><th>Status</th><th>Banner</th></tr></thead>
<tbody>
{{range .Doc.OpenPorts}}<tr>
<td><strong>{{.Port}}</strong></td>
<td>{{.Service}}</td>
<td>{{.Category}}</td>
<td>{{if .Dangerous}}<span class="dangerous" title="{{.DangerNote}}">WARNING</span>{{else}}<span class="safe">OK</span>{{end}}</td>
<td>{{if .Banner}}{{truncate .Banner $.BannerWidth}}{{else}}N/A{{end}}</td>
</tr>
{{end}}</tbody>
</table>{{else}}<p>No open ports found.</p>{{end}}
</div>
</body>
</html>
`))

// WriteHTML renders the standalone HTML report for result. All scan data,
// banners included, is escaped by html/template.
func WriteHTML(w io.Writer, result *scanning.ScanResult) error {
	data := struct {
		Doc         *Document
		Duration    time.Duration
		BannerWidth int
	}{
		Doc:         NewDocument(result),
		Duration:    result.Duration,
		BannerWidth: htmlBannerWidth,
	}
	if err := htmlTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render HTML report: %w", err)
	}
	return nil
}
