package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/daemon"
)

var serveNoAPI bool

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon", "server"},
	Short:   "Run the API server, scheduler and agent",
	Long: `Run portsweep as a long-lived service. The REST API is always started
unless --no-api is given; cron schedules from the config are run, the NATS
agent joins its queue group when agent.enabled is set, and finished scans are
stored in PostgreSQL when database.enabled is set.

SIGINT and SIGTERM shut the service down gracefully. SIGUSR1 logs a status
summary.`,
	Example: `  portsweep serve
  portsweep serve --host 0.0.0.0 --port 9090
  portsweep serve --no-api --pid-file /run/portsweep.pid
  PORTSWEEP_DATABASE_ENABLED=true portsweep serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("host", "", "API listen address")
	f.Int("port", 0, "API listen port")
	f.String("pid-file", "", "write the process ID to this file")
	f.BoolVar(&serveNoAPI, "no-api", false, "do not start the REST API")

	bindFlag("api.host", f.Lookup("host"))
	bindFlag("api.port", f.Lookup("port"))
	bindFlag("daemon.pid_file", f.Lookup("pid-file"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.API.Enabled = !serveNoAPI

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	d := daemon.New(cfg, version, logger)
	if err := d.Start(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}
