// Package cli provides the Cobra command tree for portsweep: one-shot scans,
// profile and port catalog listings, the long-running server, the NATS agent
// and database maintenance.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/logging"
)

const envPrefix = "PORTSWEEP"

var (
	cfgFile string
	verbose bool
	noColor bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "portsweep",
	Short: "Concurrent TCP port scanner",
	Long: `portsweep probes a host across a set of TCP ports, classifies each port as
open, closed or filtered, captures short service banners and writes console,
JSON, HTML and XML reports. It can also run as a service exposing a REST API,
cron-scheduled scans and a NATS scan agent.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	configureEnv(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	bindFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// configureEnv enables PORTSWEEP_* environment overrides, e.g.
// PORTSWEEP_DATABASE_PASSWORD for database.password.
func configureEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// initConfig locates the config file.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig reads the config file found by initConfig and layers
// environment and flag overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	applyOverrides(viper.GetViper(), cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type override struct {
	key   string
	apply func(v *viper.Viper, key string, cfg *config.Config)
}

func stringOverride(key string, field func(*config.Config) *string) override {
	return override{key, func(v *viper.Viper, key string, cfg *config.Config) { *field(cfg) = v.GetString(key) }}
}

func intOverride(key string, field func(*config.Config) *int) override {
	return override{key, func(v *viper.Viper, key string, cfg *config.Config) { *field(cfg) = v.GetInt(key) }}
}

func boolOverride(key string, field func(*config.Config) *bool) override {
	return override{key, func(v *viper.Viper, key string, cfg *config.Config) { *field(cfg) = v.GetBool(key) }}
}

var overrides = []override{
	stringOverride("logging.level", func(c *config.Config) *string { return &c.Logging.Level }),
	stringOverride("logging.format", func(c *config.Config) *string { return &c.Logging.Format }),
	stringOverride("logging.output", func(c *config.Config) *string { return &c.Logging.Output }),
	stringOverride("scanning.default_ports", func(c *config.Config) *string { return &c.Scanning.DefaultPorts }),
	stringOverride("scanning.dns_server", func(c *config.Config) *string { return &c.Scanning.DNSServer }),
	intOverride("scanning.concurrency", func(c *config.Config) *int { return &c.Scanning.Concurrency }),
	intOverride("scanning.max_concurrent_scans", func(c *config.Config) *int { return &c.Scanning.MaxConcurrentScans }),
	stringOverride("output.directory", func(c *config.Config) *string { return &c.Output.Directory }),
	boolOverride("database.enabled", func(c *config.Config) *bool { return &c.Database.Enabled }),
	stringOverride("database.host", func(c *config.Config) *string { return &c.Database.Host }),
	intOverride("database.port", func(c *config.Config) *int { return &c.Database.Port }),
	stringOverride("database.database", func(c *config.Config) *string { return &c.Database.Database }),
	stringOverride("database.username", func(c *config.Config) *string { return &c.Database.Username }),
	stringOverride("database.password", func(c *config.Config) *string { return &c.Database.Password }),
	stringOverride("database.ssl_mode", func(c *config.Config) *string { return &c.Database.SSLMode }),
	boolOverride("api.enabled", func(c *config.Config) *bool { return &c.API.Enabled }),
	stringOverride("api.host", func(c *config.Config) *string { return &c.API.Host }),
	intOverride("api.port", func(c *config.Config) *int { return &c.API.Port }),
	boolOverride("api.auth_enabled", func(c *config.Config) *bool { return &c.API.AuthEnabled }),
	boolOverride("metrics.enabled", func(c *config.Config) *bool { return &c.Metrics.Enabled }),
	boolOverride("agent.enabled", func(c *config.Config) *bool { return &c.Agent.Enabled }),
	stringOverride("agent.nats_url", func(c *config.Config) *string { return &c.Agent.NATSURL }),
	stringOverride("agent.name", func(c *config.Config) *string { return &c.Agent.Name }),
	stringOverride("agent.queue_group", func(c *config.Config) *string { return &c.Agent.QueueGroup }),
	stringOverride("daemon.pid_file", func(c *config.Config) *string { return &c.Daemon.PIDFile }),
}

// boundFlags maps config keys to the command-line flags bound to them.
var boundFlags = map[string]*pflag.Flag{}

// bindFlag makes flag f override config key.
func bindFlag(key string, f *pflag.Flag) {
	if err := viper.BindPFlag(key, f); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", f.Name, err)
		return
	}
	boundFlags[key] = f
}

// applyOverrides copies every key set through the environment or a changed
// flag into cfg. Values from the file were already decoded by config.Load.
func applyOverrides(v *viper.Viper, cfg *config.Config) {
	for _, o := range overrides {
		_, fromEnv := os.LookupEnv(envKey(o.key))
		f, bound := boundFlags[o.key]
		if fromEnv || (bound && f.Changed) {
			o.apply(v, o.key, cfg)
		}
	}
}

func envKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// newLogger builds the process logger. Logs go to stderr unless the config
// names a file, so they never interleave with reports on stdout.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	opts := cfg.LoggingOptions()
	if opts.Output == "" || opts.Output == "stdout" {
		opts.Output = "stderr"
	}
	if verbose {
		opts.Level = logging.LevelDebug
		opts.AddSource = true
	}
	logger, err := logging.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.SetDefault(logger)
	return logger, nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
