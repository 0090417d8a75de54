package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/extscan/extscan/internal/analysis"
	"github.com/extscan/extscan/internal/cache"
	"github.com/extscan/extscan/internal/config"
	"github.com/extscan/extscan/internal/discovery"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the local result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show result cache statistics",
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached results",
	RunE:  runCacheClear,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cached results for extensions that are no longer installed",
	RunE:  runCachePrune,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cachePruneCmd)

	cacheStatsCmd.Flags().Duration("max-age", 0, "Age threshold for counting stale entries")
	cachePruneCmd.Flags().StringP("dir", "d", "", "Extensions directory listing what is installed")
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	_, store, err := openCacheForCommand(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	maxAge, _ := cmd.Flags().GetDuration("max-age")
	stats, err := store.Stats(ctx, maxAge)
	if err != nil {
		return err
	}

	fmt.Printf("Entries:  %d\n", stats.Total)
	if maxAge > 0 {
		fmt.Printf("Stale:    %d (older than %s)\n", stats.Stale, maxAge)
	}
	fmt.Printf("Size:     %d bytes\n", stats.SizeBytes)
	fmt.Println("By risk:")
	for _, level := range analysis.RiskLevels {
		if n := stats.ByRisk[level]; n > 0 {
			fmt.Printf("  %-8s %d\n", level, n)
		}
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	_, store, err := openCacheForCommand(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	n, err := store.Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d cache entr%s.\n", n, pluralY(n))

	compacted, err := store.Compact(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[!] Compaction failed: %v\n", err)
	} else if compacted {
		fmt.Println("Cache file compacted.")
	}
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	cfg, store, err := openCacheForCommand(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.ExtensionsDir = dir
	}
	if cfg.ExtensionsDir == "" {
		return fmt.Errorf("extensions directory is required (use --dir or extensions_dir in the config file)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	verbose, _ := cmd.Flags().GetInt("verbose")
	refs, err := discovery.New(cfg.ExtensionsDir, newLogger(verbose)).Discover(ctx)
	if err != nil {
		return err
	}

	removed, err := store.RemoveStale(ctx, discovery.InstalledKeys(refs))
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d stale cache entr%s.\n", removed, pluralY(removed))

	compacted, err := store.Compact(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[!] Compaction failed: %v\n", err)
	} else if compacted {
		fmt.Println("Cache file compacted.")
	}
	return nil
}

// openCacheForCommand resolves the cache path from flags/config and
// opens it. Unlike the scan command, cache maintenance has nothing to
// degrade to, so open failures are fatal here.
func openCacheForCommand(cmd *cobra.Command) (*config.Config, *cache.SQLiteCache, error) {
	loaded, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if loaded.CachePath == "" {
		return nil, nil, fmt.Errorf("no cache path configured")
	}

	s, err := openCache(loaded.CachePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache %q: %w", loaded.CachePath, err)
	}
	return loaded, s, nil
}

func pluralY(n int64) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
