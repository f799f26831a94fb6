package cli

import (
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/scheduler"
)

// scheduleCmd represents the schedules command.
var scheduleCmd = &cobra.Command{
	Use:     "schedules",
	Aliases: []string{"schedule"},
	Short:   "List scheduled scans from the configuration",
	Long: `List the cron schedules "portsweep serve" will run, with their next
firing time. Disabled schedules are shown but never fire.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return listSchedules(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

func listSchedules(w io.Writer, cfg *config.Config) error {
	s, err := scheduler.New(cfg.Schedules, nil, logging.NewNop())
	if err != nil {
		return err
	}
	defer s.Stop()

	next := make(map[string]string)
	for _, e := range s.Entries() {
		next[e.Name] = e.Next.Local().Format(timeLayout)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Name", "Cron", "Target", "Scan", "Next Run")
	for _, sc := range cfg.Schedules {
		scan := sc.Ports
		if sc.Profile != "" {
			scan = "profile " + sc.Profile
			if sc.Ports != "" {
				scan += ", ports " + sc.Ports
			}
		}
		if scan == "" {
			scan = "default ports"
		}
		nextRun, ok := next[sc.Name]
		if !ok {
			nextRun = "disabled"
		}
		if err := table.Append([]string{sc.Name, sc.Cron, sc.Target, strings.TrimSpace(scan), nextRun}); err != nil {
			return err
		}
	}
	return table.Render()
}
