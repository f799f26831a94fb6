package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/scanning"
)

const (
	ruleWidth  = 70
	timeLayout = "2006-01-02 15:04:05"
)

// Console prints human readable summaries.
type Console struct {
	w io.Writer

	heading *color.Color
	label   *color.Color
	good    *color.Color
	danger  *color.Color
	warn    *color.Color
}

// NewConsole writes to w. Colors follow fatih/color's terminal detection
// unless noColor is set.
func NewConsole(w io.Writer, noColor bool) *Console {
	c := &Console{
		w:       w,
		heading: color.New(color.FgCyan, color.Bold),
		label:   color.New(color.FgYellow),
		good:    color.New(color.FgGreen),
		danger:  color.New(color.FgRed, color.Bold),
		warn:    color.New(color.FgYellow),
	}
	if noColor {
		for _, col := range []*color.Color{c.heading, c.label, c.good, c.danger, c.warn} {
			col.DisableColor()
		}
	}
	return c
}

// Print writes the summary for result.
func (c *Console) Print(result *scanning.ScanResult) error {
	rule := strings.Repeat("=", ruleWidth)
	title := "SCAN RESULTS"
	if !result.Complete() {
		title = "SCAN RESULTS (PARTIAL - CANCELLED)"
	}

	fmt.Fprintln(c.w)
	c.heading.Fprintln(c.w, rule)
	c.heading.Fprintf(c.w, "%*s\n", (ruleWidth+len(title))/2, title)
	c.heading.Fprintln(c.w, rule)
	fmt.Fprintln(c.w)

	c.field("Target", targetLabel(result))
	c.field("Started", result.StartTime.Format(timeLayout))
	c.field("Finished", result.EndTime.Format(timeLayout))
	c.field("Duration", FormatDuration(result.Duration))
	c.field("Speed", fmt.Sprintf("%.2f ports/second", result.ScanSpeed))
	fmt.Fprintln(c.w)

	c.heading.Fprintln(c.w, "--- STATISTICS ---")
	if result.Complete() {
		fmt.Fprintf(c.w, "Ports scanned: %d\n", result.TotalPorts)
	} else {
		c.warn.Fprintf(c.w, "Ports scanned: %d of %d (scan cancelled)\n", result.ScannedPorts, result.TotalPorts)
	}
	c.good.Fprintf(c.w, "Open ports: %d\n", len(result.OpenPorts))
	fmt.Fprintf(c.w, "Closed ports: %d\n", result.ClosedCount)
	fmt.Fprintf(c.w, "Filtered ports: %d\n\n", result.FilteredCount)

	if len(result.OpenPorts) == 0 {
		c.warn.Fprintln(c.w, "No open ports found.")
	} else {
		c.heading.Fprintln(c.w, "--- OPEN PORTS ---")
		if err := c.openPortTable(result.OpenPorts); err != nil {
			return err
		}
		c.dangerNotes(result.OpenPorts)
	}

	fmt.Fprintln(c.w)
	c.heading.Fprintln(c.w, rule)
	return nil
}

func (c *Console) field(name, value string) {
	c.label.Fprintf(c.w, "%s:", name)
	fmt.Fprintf(c.w, " %s\n", value)
}

func targetLabel(result *scanning.ScanResult) string {
	if result.Host != "" && result.Host != result.Target {
		return fmt.Sprintf("%s (%s)", result.Host, result.Target)
	}
	return result.Target
}

func (c *Console) openPortTable(open []scanning.ProbeOutcome) error {
	table := tablewriter.NewWriter(c.w)
	table.Header("Port", "Service", "Category", "Banner")

	for _, o := range open {
		info := ports.PortInfo(o.Port)
		banner := "N/A"
		if o.Banner != "" {
			banner = Truncate(o.Banner, consoleBannerWidth)
		}
		port := strconv.Itoa(o.Port)
		if info.Dangerous {
			port = c.danger.Sprint(port + " !")
		}
		if err := table.Append([]string{port, info.Service, string(info.Category), banner}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (c *Console) dangerNotes(open []scanning.ProbeOutcome) {
	for _, o := range open {
		info := ports.PortInfo(o.Port)
		if info.Dangerous {
			c.danger.Fprintf(c.w, "  ! port %d: %s\n", o.Port, info.DangerNote)
		}
	}
}
