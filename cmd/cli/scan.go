package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/profiles"
	"github.com/anstrom/portsweep/internal/report"
	"github.com/anstrom/portsweep/internal/scanning"
)

const (
	progressBarWidth    = 30
	progressThrottle    = 100 * time.Millisecond
	storeTimeout        = 30 * time.Second
	secondsToDuration   = float64(time.Second)
	defaultScanProfile  = profiles.Quick
	incompleteBannerMsg = "SCAN INCOMPLETE: interrupted after %d of %d ports, results below are partial"
)

type scanOptions struct {
	target        string
	ports         string
	profile       string
	threads       int
	timeout       float64
	bannerTimeout float64
	noBanner      bool
	output        string
	noReport      bool
	jsonOnly      bool
	htmlOnly      bool
	xml           bool
	store         bool
	noProgress    bool
}

var scanOpts scanOptions

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a host for open TCP ports",
	Long: `Probe a target across a set of TCP ports and report each port as open,
closed or filtered. Open ports are annotated with their usual service and
flagged when they are commonly abused.

Without --ports or --profile the quick profile is used: the common service
ports with 200 workers and a 0.5s timeout. Press Ctrl-C to stop early; the
ports scanned so far are reported and marked as incomplete.`,
	Example: `  portsweep scan -t 192.168.1.1
  portsweep scan -t example.com -p 1-1000
  portsweep scan -t 192.168.1.1 -p 80,443,8080
  portsweep scan -t 192.168.1.1 --profile full --threads 800
  portsweep scan -t 192.168.1.1 --profile web --json-only -o web_scan
  portsweep scan -t db01 --profile database --store`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	f := scanCmd.Flags()
	f.StringVarP(&scanOpts.target, "target", "t", "", "IP address or host name to scan")
	f.StringVarP(&scanOpts.ports, "ports", "p", "", "ports to scan, e.g. 80,443,8000-9000, or common, web, database, all")
	f.StringVar(&scanOpts.profile, "profile", "", "predefined scan profile (quick, full, web, database, safe or one from the config)")
	f.IntVar(&scanOpts.threads, "threads", 0, "number of concurrent probes (default from profile or config)")
	f.Float64Var(&scanOpts.timeout, "timeout", 0, "connection timeout in seconds (default from profile or config)")
	f.Float64Var(&scanOpts.bannerTimeout, "banner-timeout", 0, "banner read timeout in seconds (default: the connection timeout)")
	f.BoolVar(&scanOpts.noBanner, "no-banner", false, "do not try to read service banners")
	f.StringVarP(&scanOpts.output, "output", "o", "", "report file name without extension")
	f.BoolVar(&scanOpts.noReport, "no-report", false, "do not print or write reports")
	f.BoolVar(&scanOpts.jsonOnly, "json-only", false, "write only the JSON report")
	f.BoolVar(&scanOpts.htmlOnly, "html-only", false, "write only the HTML report")
	f.BoolVar(&scanOpts.xml, "xml", false, "also write an XML report")
	f.BoolVar(&scanOpts.store, "store", false, "save the result in the configured database")
	f.BoolVar(&scanOpts.noProgress, "no-progress", false, "hide the progress bar")

	scanCmd.MarkFlagsMutuallyExclusive("json-only", "html-only")
	if err := scanCmd.MarkFlagRequired("target"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to mark target flag as required: %v\n", err)
	}
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &scanRunner{
		cfg:     cfg,
		opts:    scanOpts,
		out:     cmd.OutOrStdout(),
		errOut:  cmd.ErrOrStderr(),
		logger:  logger,
		noColor: noColor,
	}
	return s.run(ctx)
}

// scanRunner executes one CLI scan and renders its outputs.
type scanRunner struct {
	cfg     *config.Config
	opts    scanOptions
	out     io.Writer
	errOut  io.Writer
	logger  *logging.Logger
	noColor bool

	// prober replaces the TCP prober in tests.
	prober scanning.Prober
	now    func() time.Time
}

func (s *scanRunner) run(ctx context.Context) error {
	scanCfg, profileName, err := buildScanConfig(s.cfg, s.opts)
	if err != nil {
		return err
	}
	formats, err := reportFormats(s.cfg, s.opts)
	if err != nil {
		return err
	}

	info := color.New(color.FgCyan)
	if s.noColor {
		info.DisableColor()
	}
	if profileName != "" {
		info.Fprintf(s.out, "Using profile: %s\n", profileName)
	}
	info.Fprintf(s.out, "Scanning %s: %d ports, %d workers, timeout %s\n",
		scanCfg.Target, len(scanCfg.Ports), scanCfg.Concurrency, scanCfg.Timeout)

	var bar *progressbar.ProgressBar
	engineOpts := s.engineOptions()
	if !s.opts.noProgress {
		bar = newProgressBar(s.errOut, len(scanCfg.Ports), !s.noColor)
		engineOpts = append(engineOpts, scanning.WithProgress(func(completed, _ int) {
			_ = bar.Set(completed)
		}))
	}

	result, err := scanning.NewEngine(engineOpts...).Run(ctx, scanCfg)
	partial := err != nil && result != nil && errors.IsCode(err, errors.CodeCanceled)
	if bar != nil {
		if partial || result == nil {
			_ = bar.Clear()
		} else {
			_ = bar.Finish()
		}
		fmt.Fprintln(s.errOut)
	}
	if err != nil && !partial {
		return fmt.Errorf("scan failed: %w", err)
	}

	s.printSummary(result)

	if !s.opts.noReport && !s.opts.jsonOnly && !s.opts.htmlOnly {
		if err := report.NewConsole(s.out, s.noColor).Print(result); err != nil {
			return err
		}
	}
	if err := s.writeReports(result, formats); err != nil {
		return err
	}
	if s.opts.store {
		if err := s.storeResult(result, profileName); err != nil {
			return err
		}
	}
	s.warnDangerous(result)

	if partial {
		return errors.ErrScanCanceled(result.Target, result.ScannedPorts, result.TotalPorts)
	}
	return nil
}

func (s *scanRunner) engineOptions() []scanning.Option {
	prober := s.prober
	if prober == nil {
		proberCfg := s.cfg.ProberOptions()
		if s.opts.noBanner {
			proberCfg.GrabBanner = false
		}
		if s.opts.bannerTimeout > 0 {
			proberCfg.BannerTimeout = seconds(s.opts.bannerTimeout)
		}
		prober = scanning.NewTCPProber(proberCfg)
	}
	return []scanning.Option{
		scanning.WithProber(prober),
		scanning.WithResolver(scanning.NewTargetResolver(s.cfg.Scanning.DNSServer, s.cfg.Scanning.DNSTimeout)),
		scanning.WithLogger(s.logger),
	}
}

func (s *scanRunner) printSummary(result *scanning.ScanResult) {
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed, color.Bold)
	if s.noColor {
		good.DisableColor()
		bad.DisableColor()
	}

	if result.Host != "" && result.Host != result.Target {
		good.Fprintf(s.out, "Target resolved: %s -> %s\n", result.Host, result.Target)
	}
	if result.Cancelled {
		bad.Fprintf(s.out, incompleteBannerMsg+"\n", result.ScannedPorts, result.TotalPorts)
		return
	}
	good.Fprintf(s.out, "Scan finished in %s\n", report.FormatDuration(result.Duration))
	good.Fprintf(s.out, "Open ports found: %d\n", len(result.OpenPorts))
}

func (s *scanRunner) writeReports(result *scanning.ScanResult, formats []report.Format) error {
	at := result.StartTime
	if s.now != nil {
		at = s.now()
	}
	for _, format := range formats {
		path := reportPath(s.opts.output, s.cfg.Output.Directory, result.Target, at, format)
		if err := report.SaveFile(result, format, path); err != nil {
			return fmt.Errorf("failed to write %s report: %w", format, err)
		}
		fmt.Fprintf(s.out, "%s report saved: %s\n", format, path)
	}
	return nil
}

// storeResult saves the scan even when database.enabled is false; --store
// is an explicit request.
func (s *scanRunner) storeResult(result *scanning.ScanResult, profileName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	database, err := db.ConnectAndMigrate(ctx, &s.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	record := db.NewScanRecord(result, profileName)
	if err := db.NewScanRepository(database).Create(ctx, record); err != nil {
		return fmt.Errorf("failed to store scan: %w", err)
	}
	fmt.Fprintf(s.out, "Scan stored with ID %s\n", record.ID)
	return nil
}

func (s *scanRunner) warnDangerous(result *scanning.ScanResult) {
	var found []ports.Info
	for _, o := range result.OpenPorts {
		if info := ports.PortInfo(o.Port); info.Dangerous {
			found = append(found, info)
		}
	}
	if len(found) == 0 {
		return
	}

	warn := color.New(color.FgYellow, color.Bold)
	if s.noColor {
		warn.DisableColor()
	}
	warn.Fprintf(s.out, "\nWARNING: %d potentially dangerous port(s) open!\n", len(found))
	for _, info := range found {
		warn.Fprintf(s.out, "  Port %d: %s\n", info.Port, info.DangerNote)
	}
}

// buildScanConfig applies, lowest first: the quick profile when neither
// ports nor a profile is given, the selected profile, then flags.
func buildScanConfig(cfg *config.Config, opts scanOptions) (scanning.ScanConfig, string, error) {
	if opts.target == "" {
		return scanning.ScanConfig{}, "", errors.NewValidationError("target", "", "a target is required")
	}

	sc := scanning.ScanConfig{
		Target:      opts.target,
		Timeout:     cfg.Scanning.Timeout,
		Concurrency: cfg.Scanning.Concurrency,
	}

	profileName := opts.profile
	if profileName == "" && opts.ports == "" {
		profileName = defaultScanProfile
	}
	if profileName != "" {
		resolved, err := profiles.NewManager(cfg.Profiles).Resolve(profileName)
		if err != nil {
			return scanning.ScanConfig{}, "", err
		}
		sc.Ports = resolved.Ports
		sc.Timeout = resolved.Timeout
		sc.Concurrency = resolved.Concurrency
	}

	if opts.ports != "" {
		portList, err := ports.Expand(opts.ports)
		if err != nil {
			return scanning.ScanConfig{}, "", err
		}
		sc.Ports = portList
	}
	if opts.threads < 0 {
		return scanning.ScanConfig{}, "", errors.NewValidationError("threads", strconv.Itoa(opts.threads), "threads must be positive")
	}
	if opts.threads > 0 {
		sc.Concurrency = opts.threads
	}
	if opts.timeout < 0 {
		return scanning.ScanConfig{}, "", errors.NewValidationError("timeout", fmt.Sprint(opts.timeout), "timeout must be positive")
	}
	if opts.timeout > 0 {
		sc.Timeout = seconds(opts.timeout)
	}

	sc = sc.WithDefaults()
	if err := sc.Validate(); err != nil {
		return scanning.ScanConfig{}, "", err
	}
	return sc, profileName, nil
}

// reportFormats lists the files to write. --json-only and --html-only pick
// one format, otherwise output.formats from the config applies.
func reportFormats(cfg *config.Config, opts scanOptions) ([]report.Format, error) {
	if opts.noReport {
		return nil, nil
	}

	var formats []report.Format
	switch {
	case opts.jsonOnly:
		formats = []report.Format{report.FormatJSON}
	case opts.htmlOnly:
		formats = []report.Format{report.FormatHTML}
	default:
		for _, name := range cfg.Output.Formats {
			f, err := report.ParseFormat(name)
			if err != nil {
				return nil, err
			}
			formats = appendFormat(formats, f)
		}
	}
	if opts.xml {
		formats = appendFormat(formats, report.FormatXML)
	}
	return formats, nil
}

func appendFormat(formats []report.Format, f report.Format) []report.Format {
	for _, existing := range formats {
		if existing == f {
			return formats
		}
	}
	return append(formats, f)
}

func reportPath(basename, dir, target string, at time.Time, format report.Format) string {
	if basename != "" {
		return basename + "." + string(format)
	}
	return report.DefaultFilename(dir, target, at, format)
}

func newProgressBar(w io.Writer, total int, colors bool) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(colors),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(progressBarWidth),
		progressbar.OptionThrottle(progressThrottle),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription("[cyan][scanning][reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * secondsToDuration)
}
