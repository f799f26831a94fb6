package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/report"
)

var (
	historyTarget string
	historyStatus string
	historyLimit  int
)

// scanHistory is the part of db.ScanRepository the history commands use.
type scanHistory interface {
	List(ctx context.Context, filters db.ScanFilters) ([]*db.ScanRecord, int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.ScanRecord, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// historyCmd represents the history command.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List scans stored in the database",
	Long: `List scans saved with "scan --store" or by the server and agent when
database.enabled is set, newest first.`,
	Example: `  portsweep history
  portsweep history --target 192.168.1.1 --status cancelled
  portsweep history show 4b9f...
  portsweep history delete 4b9f...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filters := db.ScanFilters{Target: historyTarget, Status: historyStatus, Limit: historyLimit}
		return withHistory(func(ctx context.Context, h scanHistory) error {
			return listHistory(ctx, cmd.OutOrStdout(), h, filters)
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <scan-id>",
	Short: "Print the report of a stored scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseScanID(args[0])
		if err != nil {
			return err
		}
		return withHistory(func(ctx context.Context, h scanHistory) error {
			return showHistory(ctx, cmd.OutOrStdout(), h, id)
		})
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <scan-id>",
	Short: "Delete a stored scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseScanID(args[0])
		if err != nil {
			return err
		}
		return withHistory(func(ctx context.Context, h scanHistory) error {
			if err := h.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted scan %s\n", id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)

	historyCmd.Flags().StringVar(&historyTarget, "target", "", "only scans of this target")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only scans with this status: completed or cancelled")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of scans to list")
}

func withHistory(fn func(context.Context, scanHistory) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withDatabase(cfg, func(ctx context.Context, database *db.DB) error {
		return fn(ctx, db.NewScanRepository(database))
	})
}

func parseScanID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid scan ID %q: %w", s, err)
	}
	return id, nil
}

func listHistory(ctx context.Context, w io.Writer, h scanHistory, filters db.ScanFilters) error {
	records, total, err := h.List(ctx, filters)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No stored scans found")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Target", "Profile", "Status", "Started", "Ports", "Open", "Duration")
	for _, r := range records {
		row := []string{
			r.ID.String(),
			r.Target,
			r.Profile,
			r.Status,
			r.StartTime.Local().Format(timeLayout),
			fmt.Sprintf("%d/%d", r.ScannedPorts, r.TotalPorts),
			strconv.Itoa(r.OpenCount),
			report.FormatDuration(r.ToResult().Duration),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Showing %d of %d scans\n", len(records), total)
	return nil
}

func showHistory(ctx context.Context, w io.Writer, h scanHistory, id uuid.UUID) error {
	record, err := h.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Profile != "" {
		fmt.Fprintf(w, "Profile: %s\n", record.Profile)
	}
	return report.NewConsole(w, noColor).Print(record.ToResult())
}
