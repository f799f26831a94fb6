// Package config provides configuration management for portsweep.
// It handles loading, validation and saving of the YAML configuration
// covering scanning defaults, named profiles, storage, the API server,
// logging, metrics, the NATS agent and scheduled scans.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/scanning"
)

const (
	defaultAPIPort            = 8080
	defaultMaxConcurrentScans = 4
	defaultReadTimeout        = 10 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 60 * time.Second
	defaultMaxRequestSize     = 1 << 20
	defaultMetricsInterval    = 15 * time.Second
	defaultDNSTimeout         = 3 * time.Second
	defaultOutputDir          = "results"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultSubjectPrefix      = "portsweep.scan"
	defaultQueueGroup         = "portsweep"
	defaultShutdownTimeout    = 30 * time.Second
	defaultHealthInterval     = 30 * time.Second

	dirPerm  = 0o755
	filePerm = 0o644
)

// Config is the complete portsweep configuration.
type Config struct {
	Scanning  ScanningConfig           `yaml:"scanning" json:"scanning"`
	Profiles  map[string]ProfileConfig `yaml:"profiles" json:"profiles"`
	Output    OutputConfig             `yaml:"output" json:"output"`
	Database  db.Config                `yaml:"database" json:"database"`
	API       APIConfig                `yaml:"api" json:"api"`
	Logging   LoggingConfig            `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig            `yaml:"metrics" json:"metrics"`
	Agent     AgentConfig              `yaml:"agent" json:"agent"`
	Schedules []ScheduleConfig         `yaml:"schedules" json:"schedules"`
	Daemon    DaemonConfig             `yaml:"daemon" json:"daemon"`
}

// ScanningConfig holds engine and prober defaults.
type ScanningConfig struct {
	DefaultPorts string        `yaml:"default_ports" json:"default_ports"`
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`

	GrabBanner    bool          `yaml:"grab_banner" json:"grab_banner"`
	Greeting      string        `yaml:"greeting" json:"greeting"`
	BannerSize    int           `yaml:"banner_size" json:"banner_size"`
	BannerTimeout time.Duration `yaml:"banner_timeout" json:"banner_timeout"`

	// DNSServer switches target resolution from the system resolver to a
	// specific server, host or host:port.
	DNSServer  string        `yaml:"dns_server" json:"dns_server"`
	DNSTimeout time.Duration `yaml:"dns_timeout" json:"dns_timeout"`

	// MaxConcurrentScans caps scans running at once in the server and agent.
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans"`
}

// ProfileConfig overrides or adds a named scan profile.
type ProfileConfig struct {
	Description string        `yaml:"description" json:"description"`
	Ports       string        `yaml:"ports" json:"ports"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// OutputConfig controls report files written by the CLI.
type OutputConfig struct {
	Directory string `yaml:"directory" json:"directory"`
	// Formats lists report files written after a scan: json, html, xml.
	Formats []string `yaml:"formats" json:"formats"`
}

// APIConfig holds REST server settings.
type APIConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Host           string        `yaml:"host" json:"host"`
	Port           int           `yaml:"port" json:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size"`

	EnableCORS  bool     `yaml:"enable_cors" json:"enable_cors"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	AuthEnabled bool `yaml:"auth_enabled" json:"auth_enabled"`
	// APIKeyHashes are bcrypt hashes produced by "portsweep apikey hash".
	APIKeyHashes []string `yaml:"api_key_hashes" json:"-"`
}

// LoggingConfig mirrors logging.Config in file form.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	Format    string `yaml:"format" json:"format"`
	Output    string `yaml:"output" json:"output"`
	AddSource bool   `yaml:"add_source" json:"add_source"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Path           string        `yaml:"path" json:"path"`
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`
}

// AgentConfig configures the NATS scan agent.
type AgentConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	NATSURL       string `yaml:"nats_url" json:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
	QueueGroup    string `yaml:"queue_group" json:"queue_group"`
	Name          string `yaml:"name" json:"name"`
}

// DaemonConfig controls the long-running "serve" process.
type DaemonConfig struct {
	// PIDFile is written on start and removed on exit. Empty disables it.
	PIDFile             string        `yaml:"pid_file" json:"pid_file"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// ScheduleConfig runs a scan on a cron expression.
type ScheduleConfig struct {
	Name    string `yaml:"name" json:"name"`
	Cron    string `yaml:"cron" json:"cron"`
	Target  string `yaml:"target" json:"target"`
	Profile string `yaml:"profile" json:"profile"`
	Ports   string `yaml:"ports" json:"ports"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			DefaultPorts:       ports.KeywordCommon,
			Concurrency:        scanning.DefaultConcurrency,
			Timeout:            scanning.DefaultTimeout,
			GrabBanner:         true,
			Greeting:           scanning.DefaultGreeting,
			BannerSize:         scanning.DefaultBannerSize,
			DNSTimeout:         defaultDNSTimeout,
			MaxConcurrentScans: defaultMaxConcurrentScans,
		},
		Profiles: map[string]ProfileConfig{},
		Output: OutputConfig{
			Directory: defaultOutputDir,
			Formats:   []string{"json", "html"},
		},
		Database: db.DefaultConfig(),
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           defaultAPIPort,
			ReadTimeout:    defaultReadTimeout,
			WriteTimeout:   defaultWriteTimeout,
			IdleTimeout:    defaultIdleTimeout,
			MaxRequestSize: defaultMaxRequestSize,
			EnableCORS:     true,
			CORSOrigins:    []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  string(logging.LevelInfo),
			Format: string(logging.FormatText),
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Path:           "/metrics",
			UpdateInterval: defaultMetricsInterval,
		},
		Agent: AgentConfig{
			NATSURL:       defaultNATSURL,
			SubjectPrefix: defaultSubjectPrefix,
			QueueGroup:    defaultQueueGroup,
		},
		Daemon: DaemonConfig{
			ShutdownTimeout:     defaultShutdownTimeout,
			HealthCheckInterval: defaultHealthInterval,
		},
	}
}

// Load reads configuration from path. A missing file yields Default().
// Files ending in .json are decoded as JSON, everything else as YAML.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to parse config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to marshal config", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to create config directory", err)
	}
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to write config file", err)
	}
	return nil
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateScanning,
		c.validateProfiles,
		c.validateOutput,
		c.validateAPI,
		c.validateLogging,
		c.validateAgent,
		c.validateSchedules,
		c.validateDaemon,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	if c.Database.Enabled {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateScanning() error {
	s := c.Scanning
	if _, err := ports.Expand(s.DefaultPorts); err != nil {
		return errors.ErrConfigInvalid("scanning.default_ports", s.DefaultPorts)
	}
	if s.Concurrency <= 0 || s.Concurrency > scanning.MaxConcurrency {
		return errors.ErrConfigInvalid("scanning.concurrency", s.Concurrency)
	}
	if s.Timeout <= 0 {
		return errors.ErrConfigInvalid("scanning.timeout", s.Timeout)
	}
	if s.BannerTimeout < 0 {
		return errors.ErrConfigInvalid("scanning.banner_timeout", s.BannerTimeout)
	}
	if s.BannerSize < 0 {
		return errors.ErrConfigInvalid("scanning.banner_size", s.BannerSize)
	}
	if s.MaxConcurrentScans <= 0 {
		return errors.ErrConfigInvalid("scanning.max_concurrent_scans", s.MaxConcurrentScans)
	}
	return nil
}

func (c *Config) validateProfiles() error {
	for name, p := range c.Profiles {
		field := "profiles." + name
		if strings.TrimSpace(name) == "" {
			return errors.ErrConfigInvalid("profiles", name)
		}
		if p.Ports != "" {
			if _, err := ports.Expand(p.Ports); err != nil {
				return errors.ErrConfigInvalid(field+".ports", p.Ports)
			}
		}
		if p.Concurrency < 0 || p.Concurrency > scanning.MaxConcurrency {
			return errors.ErrConfigInvalid(field+".concurrency", p.Concurrency)
		}
		if p.Timeout < 0 {
			return errors.ErrConfigInvalid(field+".timeout", p.Timeout)
		}
	}
	return nil
}

func (c *Config) validateOutput() error {
	for _, f := range c.Output.Formats {
		switch strings.ToLower(f) {
		case "json", "html", "xml":
		default:
			return errors.ErrConfigInvalid("output.formats", f)
		}
	}
	return nil
}

func (c *Config) validateAPI() error {
	if !c.API.Enabled {
		return nil
	}
	if c.API.Port <= 0 || c.API.Port > ports.MaxPort {
		return errors.ErrConfigInvalid("api.port", c.API.Port)
	}
	if c.API.MaxRequestSize <= 0 {
		return errors.ErrConfigInvalid("api.max_request_size", c.API.MaxRequestSize)
	}
	if c.API.AuthEnabled && len(c.API.APIKeyHashes) == 0 {
		return errors.ErrConfigMissing("api.api_key_hashes")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateAgent() error {
	if !c.Agent.Enabled {
		return nil
	}
	if c.Agent.NATSURL == "" {
		return errors.ErrConfigMissing("agent.nats_url")
	}
	if c.Agent.SubjectPrefix == "" {
		return errors.ErrConfigMissing("agent.subject_prefix")
	}
	return nil
}

func (c *Config) validateSchedules() error {
	seen := make(map[string]struct{}, len(c.Schedules))
	for i, s := range c.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if s.Name == "" {
			return errors.ErrConfigMissing(field + ".name")
		}
		if _, dup := seen[s.Name]; dup {
			return errors.ErrConfigInvalid(field+".name", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Cron == "" {
			return errors.ErrConfigMissing(field + ".cron")
		}
		if s.Target == "" {
			return errors.ErrConfigMissing(field + ".target")
		}
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if c.Daemon.ShutdownTimeout < 0 {
		return errors.ErrConfigInvalid("daemon.shutdown_timeout", c.Daemon.ShutdownTimeout)
	}
	if c.Daemon.HealthCheckInterval < 0 {
		return errors.ErrConfigInvalid("daemon.health_check_interval", c.Daemon.HealthCheckInterval)
	}
	return nil
}

// LoggingOptions converts the logging section into logging.Config.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(strings.ToLower(c.Logging.Level)),
		Format:    logging.LogFormat(strings.ToLower(c.Logging.Format)),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}

// ProberOptions converts the scanning section into a prober configuration.
func (c *Config) ProberOptions() scanning.ProberConfig {
	return scanning.ProberConfig{
		GrabBanner:    c.Scanning.GrabBanner,
		Greeting:      c.Scanning.Greeting,
		BannerSize:    c.Scanning.BannerSize,
		BannerTimeout: c.Scanning.BannerTimeout,
	}
}

// GetAPIAddress returns the API server listen address.
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// IsAPIEnabled reports whether the API server should start.
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}
