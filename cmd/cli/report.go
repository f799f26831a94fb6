package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/report"
	"github.com/anstrom/portsweep/internal/scanning"
)

var reportConvert []string

// reportCmd represents the report command.
var reportCmd = &cobra.Command{
	Use:   "report <file>",
	Short: "Print or convert a saved JSON or XML report",
	Long: `Load a report written by "portsweep scan" and print the console summary.
With --to the report is also rendered into other formats next to the input
file.`,
	Example: `  portsweep report results/scan_10.0.0.1_20250101_120000.json
  portsweep report scan.xml --to html,json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReport(cmd.OutOrStdout(), args[0], reportConvert)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringSliceVar(&reportConvert, "to", nil, "also write these formats: json, html, xml")
}

func loadReport(path string) (*scanning.ScanResult, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return report.LoadJSON(path)
	case ".xml":
		return report.LoadResults(path)
	default:
		return nil, fmt.Errorf("cannot load %s: only .json and .xml reports can be read back", path)
	}
}

func runReport(w io.Writer, path string, convert []string) error {
	result, err := loadReport(path)
	if err != nil {
		return err
	}
	if err := report.NewConsole(w, noColor).Print(result); err != nil {
		return err
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, name := range convert {
		format, err := report.ParseFormat(name)
		if err != nil {
			return err
		}
		out := base + "." + string(format)
		if out == path {
			continue
		}
		if err := report.SaveFile(result, format, out); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s report saved: %s\n", format, out)
	}
	return nil
}
