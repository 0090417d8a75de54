package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/extscan/extscan/internal/analysis"
	"github.com/extscan/extscan/internal/cache"
)

// MaxWorkers bounds the worker pool. The remote service rate-limits,
// so more workers past a small bound buys nothing.
const MaxWorkers = 5

// Config holds configuration for a scan.
type Config struct {
	Workers     int           // concurrent workers, clamped to 1..MaxWorkers
	MaxCacheAge time.Duration // cache entries older than this are misses
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:     3,
		MaxCacheAge: 7 * 24 * time.Hour,
	}
}

// Orchestrator runs the scan pipeline: cache partitioning, the worker
// pool, and the single post-join batch commit.
type Orchestrator struct {
	store    cache.Store // nil means scan without a cache
	analyzer Analyzer
	config   *Config
	logger   *slog.Logger

	// onProgress receives status messages when set.
	onProgress func(msg string)

	// requestCount reports transport-level request totals for the
	// report statistics.
	requestCount func() int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for pipeline events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithProgress sets a callback for human-readable status messages.
func WithProgress(fn func(string)) Option {
	return func(o *Orchestrator) {
		o.onProgress = fn
	}
}

// WithRequestCounter sets the function used to read the transport's
// total request count into the report statistics.
func WithRequestCounter(fn func() int64) Option {
	return func(o *Orchestrator) {
		o.requestCount = fn
	}
}

// NewOrchestrator creates an orchestrator. store may be nil, in which
// case every extension is treated as a cache miss and nothing is
// persisted.
func NewOrchestrator(store cache.Store, analyzer Analyzer, config *Config, opts ...Option) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Workers > MaxWorkers {
		config.Workers = MaxWorkers
	}

	o := &Orchestrator{
		store:    store,
		analyzer: analyzer,
		config:   config,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// progress sends a status message via the progress callback if set.
func (o *Orchestrator) progress(format string, args ...any) {
	if o.onProgress != nil {
		o.onProgress(fmt.Sprintf(format, args...))
	}
}

// Scan evaluates all refs and returns a report in original input
// order.
//
// Pipeline:
//  1. Partition refs into cache hits and misses (sequential reads).
//  2. Dispatch misses to the worker pool; each worker drives one full
//     remote analysis sequence per item.
//  3. Collect outcomes and fold statistics through a single loop.
//  4. After all workers join, commit every fresh success in one batch.
func (o *Orchestrator) Scan(ctx context.Context, refs []ExtensionRef) (*Report, error) {
	if o.analyzer == nil {
		return nil, fmt.Errorf("engine: no analyzer configured")
	}

	report := &Report{
		RunID:     uuid.New().String(),
		StartTime: time.Now(),
	}
	defer func() {
		report.EndTime = time.Now()
		if o.requestCount != nil {
			report.Stats.Requests = o.requestCount()
		}
	}()

	report.Stats.Total = len(refs)
	if len(refs) == 0 {
		return report, nil
	}

	// Step 1: partition into hits and misses.
	outcomes := make([]Outcome, len(refs))
	var misses []job
	for i, ref := range refs {
		result := o.lookupCached(ctx, ref)
		if result != nil {
			outcomes[i] = Outcome{Ref: ref, Result: result, FromCache: true}
			report.Stats.CacheHits++
			continue
		}
		misses = append(misses, job{index: i, ref: ref})
		report.Stats.CacheMisses++
	}
	o.progress("%d cached, %d to analyze", report.Stats.CacheHits, len(misses))

	// Steps 2-3: drain misses through the pool, collecting outcomes
	// and statistics in this single loop.
	if len(misses) > 0 {
		pool := newWorkerPool(o.config.Workers, len(misses), o.logger)
		for _, j := range misses {
			pool.submit(j)
		}
		pool.seal()
		pool.start(ctx, o.analyzer)

		for io := range pool.results {
			outcomes[io.index] = io.outcome
			report.Stats.Retries += io.retries
			if io.outcome.Failed() {
				report.Stats.Failures++
				o.progress("failed: %s: %v", io.outcome.Ref, io.outcome.Err)
			} else {
				report.Stats.Fresh++
				o.progress("analyzed: %s (%s)", io.outcome.Ref, io.outcome.Result.RiskLevel)
			}
		}

		// Step 4: single-writer batch commit after the join. Runs even
		// when the scan was cancelled so already-completed work is not
		// discarded. A commit failure degrades to a warning, never a
		// scan abort.
		if o.store != nil && report.Stats.Fresh > 0 {
			if err := o.commitFresh(context.WithoutCancel(ctx), outcomes); err != nil {
				o.logger.Warn("cache batch commit failed", "error", err)
				report.Warnings = append(report.Warnings, err.Error())
			}
		}
	}

	report.Outcomes = outcomes
	return report, nil
}

// lookupCached returns the decoded cached result for ref, or nil on
// any miss. Cache read errors degrade to miss behavior and are logged,
// never fatal to the scan.
func (o *Orchestrator) lookupCached(ctx context.Context, ref ExtensionRef) *analysis.Result {
	if o.store == nil {
		return nil
	}

	entry, err := o.store.Lookup(ctx, ref.ID(), ref.Version, o.config.MaxCacheAge)
	if err != nil {
		o.logger.Warn("cache lookup failed, treating as miss", "extension", ref.String(), "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}

	var result analysis.Result
	if err := json.Unmarshal(entry.Payload, &result); err != nil {
		o.logger.Warn("cached payload undecodable, treating as miss", "extension", ref.String(), "error", err)
		return nil
	}
	return &result
}

// commitFresh writes every fresh successful outcome in one batch. The
// batch handle is always released, even on failure.
func (o *Orchestrator) commitFresh(ctx context.Context, outcomes []Outcome) error {
	batch, err := o.store.BeginBatch()
	if err != nil {
		return err
	}

	for _, out := range outcomes {
		if out.FromCache || out.Failed() {
			continue
		}
		entry, err := entryFromResult(out.Ref, out.Result)
		if err != nil {
			batch.Abort()
			return err
		}
		if err := batch.Save(entry); err != nil {
			batch.Abort()
			return err
		}
	}

	n := batch.Len()
	if err := batch.Commit(ctx); err != nil {
		return err
	}
	o.progress("cached %d fresh result(s)", n)
	return nil
}

// entryFromResult serializes a fresh result into a cache entry. The
// summary columns are derived from the payload here, at write time, so
// they are always in sync.
func entryFromResult(ref ExtensionRef, result *analysis.Result) (*cache.Entry, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal result for %s: %w", ref, err)
	}

	return &cache.Entry{
		ID:            ref.ID(),
		Version:       ref.Version,
		Payload:       payload,
		RiskLevel:     result.RiskLevel,
		Score:         result.Score,
		VulnCount:     result.VulnerabilityCount(),
		CriticalCount: result.SeverityCount(analysis.RiskCritical),
		HighCount:     result.SeverityCount(analysis.RiskHigh),
		ScannedAt:     result.AnalyzedAt,
	}, nil
}
