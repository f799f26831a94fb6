package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/db"
)

const timeLayout = "2006-01-02 15:04:05"

var migrateResetConfirm bool

// schemaMigrator is the part of db.Migrator the commands use.
type schemaMigrator interface {
	Up(ctx context.Context) ([]string, error)
	Status(ctx context.Context) ([]db.MigrationStatus, error)
	Reset(ctx context.Context) error
}

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	Long: `Apply pending schema migrations to the configured PostgreSQL database.
The serve, agent and scan --store commands migrate automatically; this
command is for preparing a database ahead of time and inspecting its state.`,
	Example: `  portsweep migrate
  portsweep migrate status
  portsweep migrate reset --yes`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigration(cmd.OutOrStdout(), migrateUp)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigration(cmd.OutOrStdout(), printMigrationStatus)
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all portsweep tables and migrate from scratch",
	Long:  `Drop every portsweep table, including stored scans, and re-apply all migrations.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !migrateResetConfirm {
			return fmt.Errorf("reset deletes all stored scans; pass --yes to confirm")
		}
		return runMigration(cmd.OutOrStdout(), migrateReset)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateResetCmd)

	migrateResetCmd.Flags().BoolVar(&migrateResetConfirm, "yes", false, "confirm dropping all tables")
}

func runMigration(w io.Writer, fn func(context.Context, io.Writer, schemaMigrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withDatabase(cfg, func(ctx context.Context, database *db.DB) error {
		return fn(ctx, w, db.NewMigrator(database.DB))
	})
}

func migrateUp(ctx context.Context, w io.Writer, m schemaMigrator) error {
	applied, err := m.Up(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(w, "Database schema is up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(w, "Applied %s\n", name)
	}
	fmt.Fprintf(w, "%d migration(s) applied\n", len(applied))
	return nil
}

func migrateReset(ctx context.Context, w io.Writer, m schemaMigrator) error {
	if err := m.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "Database reset and migrated")
	return nil
}

func printMigrationStatus(ctx context.Context, w io.Writer, m schemaMigrator) error {
	statuses, err := m.Status(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Migration", "State", "Applied At")
	for _, s := range statuses {
		state, appliedAt := "pending", ""
		if s.Applied {
			state = "applied"
			appliedAt = s.AppliedAt.Format(timeLayout)
		}
		if s.Drifted {
			state = "applied (modified since)"
		}
		if err := table.Append([]string{s.Name, state, appliedAt}); err != nil {
			return err
		}
	}
	return table.Render()
}
