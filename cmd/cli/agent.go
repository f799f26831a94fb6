package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/agent"
	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/daemon"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/services"
)

// agentCmd represents the agent command.
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run scans requested over NATS",
	Long: `Join a NATS queue group and run scans on request. Requests arrive on
<prefix>.request as JSON {id, target, ports, profile, timeout_ms, concurrency};
progress is published to <prefix>.progress and the final result or error to
<prefix>.result. Several agents sharing a queue group split the work.`,
	Example: `  portsweep agent --nats-url nats://nats:4222
  portsweep agent --name edge-eu-1 --queue-group edge`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	f := agentCmd.Flags()
	f.String("nats-url", "", "NATS server URL")
	f.String("name", "", "agent name reported in results (default: host name)")
	f.String("queue-group", "", "NATS queue group")

	bindFlag("agent.nats_url", f.Lookup("nats-url"))
	bindFlag("agent.name", f.Lookup("name"))
	bindFlag("agent.queue_group", f.Lookup("queue-group"))
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Agent.Enabled = true
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	scans := daemon.NewScanManager(cfg, store, nil, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
		defer cancel()
		if err := scans.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Scans did not finish before shutdown timeout", "error", err)
		}
	}()

	return agent.New(cfg.Agent, scans, logger).Run(ctx)
}

// openStore connects to PostgreSQL when database.enabled is set. The
// returned store is a true nil interface otherwise.
func openStore(ctx context.Context, cfg *config.Config) (services.ScanStore, func(), error) {
	if !cfg.Database.Enabled {
		return nil, func() {}, nil
	}
	database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db.NewScanRepository(database), func() { _ = database.Close() }, nil
}
