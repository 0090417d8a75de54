package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/extscan/extscan/internal/analysis"
	"github.com/extscan/extscan/internal/cache"
	"github.com/extscan/extscan/internal/config"
	"github.com/extscan/extscan/internal/discovery"
	"github.com/extscan/extscan/internal/engine"
	"github.com/extscan/extscan/internal/report"
	"github.com/extscan/extscan/internal/transport"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan installed extensions for known vulnerabilities",
	Long: `Scan enumerates the extensions directory, checks the local result
cache, and submits anything new or stale to the remote analysis service.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringP("dir", "d", "", "Extensions directory to scan")
	scanCmd.Flags().Int("workers", 0, "Concurrent analysis workers (1-5)")
	scanCmd.Flags().Duration("max-age", 0, "Maximum cache entry age before re-analysis")
	scanCmd.Flags().Bool("no-cache", false, "Skip the result cache entirely")
	scanCmd.Flags().String("service-url", "", "Analysis service base URL")
	scanCmd.Flags().String("api-key", "", "Analysis service API key")
	scanCmd.Flags().String("proxy", "", "Proxy URL (http://host:port or socks5://host:port)")
	scanCmd.Flags().StringP("format", "f", "", "Output format (text, json, csv)")
	scanCmd.Flags().StringP("output", "o", "", "Output file path")
}

// runScan is the main scan command handler. It wires up the full
// pipeline: config → discovery → cache → transport → analysis → engine
// → report.
func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetInt("verbose")
	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor {
		color.NoColor = true
	}
	logger := newLogger(verbose)

	// CTRL+C cancels the scan gracefully; completed analyses are still
	// committed and reported.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Discovery
	if cfg.ExtensionsDir == "" {
		return fmt.Errorf("extensions directory is required (use --dir or extensions_dir in the config file)")
	}
	refs, err := discovery.New(cfg.ExtensionsDir, logger).Discover(ctx)
	if err != nil {
		return err
	}
	if verbose > 0 {
		fmt.Printf("[*] Found %d installed extension(s) in %s\n", len(refs), cfg.ExtensionsDir)
	}

	// Cache: open failures degrade to an uncached scan, never abort.
	var store cache.Store
	if !cfg.NoCache {
		s, err := openCache(cfg.CachePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[!] Result cache unavailable, scanning without it: %v\n", err)
		} else {
			defer s.Close()
			store = s
		}
	}

	// Transport and analysis client
	httpc, err := transport.NewClient(transport.ClientOptions{
		Timeout:  cfg.Service.RequestTimeout.Std(),
		ProxyURL: cfg.Service.ProxyURL,
		MaxRPS:   cfg.Service.MaxRPS,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}

	analysisOpts := analysis.DefaultClientOptions(cfg.Service.BaseURL)
	analysisOpts.APIKey = cfg.Service.APIKey
	analysisOpts.PollInterval = cfg.Service.PollInterval.Std()
	analysisOpts.MaxPolls = cfg.Service.MaxPolls
	analysisOpts.RequestTimeout = cfg.Service.RequestTimeout.Std()
	analysisOpts.Retry.MaxAttempts = cfg.Service.MaxAttempts
	analysisOpts.Logger = logger
	client := analysis.NewClient(httpc, analysisOpts)

	// Orchestrator
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithRequestCounter(func() int64 {
			return httpc.Stats().TotalRequests
		}),
	}
	if verbose > 0 {
		opts = append(opts, engine.WithProgress(func(msg string) {
			fmt.Printf("[*] %s\n", msg)
		}))
	}
	orch := engine.NewOrchestrator(store, client, &engine.Config{
		Workers:     cfg.Workers,
		MaxCacheAge: cfg.MaxCacheAge.Std(),
	}, opts...)

	if verbose > 0 {
		fmt.Printf("[*] Starting scan with %d worker(s)\n", cfg.Workers)
	}

	result, err := orch.Scan(ctx, refs)
	if err != nil {
		return fmt.Errorf("scan error: %w", err)
	}

	// Report
	reporter, err := newReporter(cfg, verbose)
	if err != nil {
		return err
	}

	out := os.Stdout
	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file %q: %w", outputPath, err)
		}
		defer f.Close()
		out = f
	}

	if err := reporter.Generate(context.WithoutCancel(ctx), result, out); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	if result.HasFailures() {
		return fmt.Errorf("scan incomplete: %d extension(s) failed", result.Stats.Failures)
	}
	return nil
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.ExtensionsDir = dir
	}
	if cachePath, _ := cmd.Flags().GetString("cache"); cachePath != "" {
		cfg.CachePath = cachePath
	}
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		cfg.NoCache = true
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Workers = workers
	}
	if maxAge, _ := cmd.Flags().GetDuration("max-age"); maxAge > 0 {
		cfg.MaxCacheAge = config.Duration(maxAge)
	}
	if url, _ := cmd.Flags().GetString("service-url"); url != "" {
		cfg.Service.BaseURL = url
	}
	if key, _ := cmd.Flags().GetString("api-key"); key != "" {
		cfg.Service.APIKey = key
	}
	if proxy, _ := cmd.Flags().GetString("proxy"); proxy != "" {
		cfg.Service.ProxyURL = proxy
	}
	if format, _ := cmd.Flags().GetString("format"); format != "" {
		cfg.Output.Format = format
	}
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		cfg.Output.NoColor = true
	}

	return cfg, nil
}

// openCache creates parent directories and opens the SQLite cache.
func openCache(path string) (*cache.SQLiteCache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return cache.Open(path, cache.Options{})
}

// newReporter builds the reporter for the configured format, wiring
// verbosity and color into the text renderer.
func newReporter(cfg *config.Config, verbose int) (report.Reporter, error) {
	r, err := report.New(cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	if tr, ok := r.(*report.TextReporter); ok {
		tr.Verbose = verbose
		tr.NoColor = cfg.Output.NoColor
	}
	return r, nil
}

// newLogger maps the verbosity flag onto slog levels. Level 0 only
// surfaces warnings; 2 and up enables debug output.
func newLogger(verbose int) *slog.Logger {
	var level slog.Level
	switch {
	case verbose <= 0:
		level = slog.LevelWarn
	case verbose == 1:
		level = slog.LevelInfo
	default:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
