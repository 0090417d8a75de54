package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/extscan/extscan/internal/analysis"
	"github.com/extscan/extscan/internal/cache"
)

// fakeAnalyzer serves canned results keyed by id@version. Unknown keys
// fail. Call counts are tracked under a mutex since workers call
// Analyze concurrently.
type fakeAnalyzer struct {
	mu      sync.Mutex
	results map[string]*analysis.Result
	errs    map[string]error
	retries map[string]int
	calls   map[string]int
	delay   time.Duration

	// onAnalyzed runs as each Analyze call returns.
	onAnalyzed func()
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		results: make(map[string]*analysis.Result),
		errs:    make(map[string]error),
		retries: make(map[string]int),
		calls:   make(map[string]int),
	}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, publisher, name, version string) (*analysis.Result, int, error) {
	key := publisher + "." + name + "@" + version

	f.mu.Lock()
	f.calls[key]++
	result := f.results[key]
	err := f.errs[key]
	retries := f.retries[key]
	f.mu.Unlock()

	if f.onAnalyzed != nil {
		defer f.onAnalyzed()
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}

	if err != nil {
		return nil, retries, err
	}
	if result == nil {
		return nil, 0, fmt.Errorf("fake: no result for %s", key)
	}
	return result, retries, nil
}

func (f *fakeAnalyzer) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func resultFor(ref ExtensionRef, risk string, findings int) *analysis.Result {
	r := &analysis.Result{
		Publisher:  ref.Publisher,
		Name:       ref.Name,
		Version:    ref.Version,
		RiskLevel:  risk,
		Score:      float64(findings) * 2.5,
		AnalyzedAt: time.Now().UTC(),
	}
	for i := 0; i < findings; i++ {
		r.Findings = append(r.Findings, analysis.Finding{
			ID:       fmt.Sprintf("F-%d", i),
			Title:    "test finding",
			Severity: analysis.RiskHigh,
		})
	}
	return r
}

func makeRefs(n int) []ExtensionRef {
	refs := make([]ExtensionRef, n)
	for i := range refs {
		refs[i] = ExtensionRef{Publisher: "pub", Name: fmt.Sprintf("ext%d", i), Version: "1.0"}
	}
	return refs
}

func newTestStore(t *testing.T) *cache.SQLiteCache {
	t.Helper()
	c, err := cache.Open(":memory:", cache.Options{})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestScanEmptyInput(t *testing.T) {
	analyzer := newFakeAnalyzer()
	o := NewOrchestrator(nil, analyzer, nil)

	report, err := o.Scan(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Outcomes) != 0 {
		t.Errorf("Outcomes = %d, want 0", len(report.Outcomes))
	}
	if report.Stats.Total != 0 {
		t.Errorf("Total = %d, want 0", report.Stats.Total)
	}
	if report.RunID == "" {
		t.Error("RunID should be set even for an empty scan")
	}
	if len(analyzer.calls) != 0 {
		t.Errorf("analyzer called %d times on empty input", len(analyzer.calls))
	}
}

func TestScanInputOrderPreserved(t *testing.T) {
	refs := makeRefs(20)
	analyzer := newFakeAnalyzer()
	for _, ref := range refs {
		analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskLow, 0)
	}
	// Small per-job delay so completion order genuinely scrambles
	// across workers.
	analyzer.delay = time.Millisecond

	o := NewOrchestrator(nil, analyzer, &Config{Workers: 5})
	report, err := o.Scan(context.Background(), refs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(report.Outcomes) != len(refs) {
		t.Fatalf("Outcomes = %d, want %d", len(report.Outcomes), len(refs))
	}
	for i, out := range report.Outcomes {
		if out.Ref != refs[i] {
			t.Errorf("Outcomes[%d].Ref = %s, want %s", i, out.Ref, refs[i])
		}
		if out.Result == nil {
			t.Errorf("Outcomes[%d] missing result", i)
		}
	}
}

func TestScanWorkerCountInvariance(t *testing.T) {
	refs := makeRefs(12)

	run := func(workers int) *Report {
		analyzer := newFakeAnalyzer()
		for i, ref := range refs {
			if i%4 == 3 {
				analyzer.errs[ref.Key()] = errors.New("analysis failed")
				continue
			}
			analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskMedium, 1)
		}
		o := NewOrchestrator(nil, analyzer, &Config{Workers: workers})
		report, err := o.Scan(context.Background(), refs)
		if err != nil {
			t.Fatalf("Scan with %d workers: %v", workers, err)
		}
		return report
	}

	one := run(1)
	five := run(5)

	if one.Stats.Fresh != five.Stats.Fresh || one.Stats.Failures != five.Stats.Failures {
		t.Fatalf("stats differ: 1 worker %+v, 5 workers %+v", one.Stats, five.Stats)
	}
	for i := range refs {
		if one.Outcomes[i].Failed() != five.Outcomes[i].Failed() {
			t.Errorf("outcome %d differs between worker counts", i)
		}
	}
}

func TestScanPartialFailureIsolation(t *testing.T) {
	refs := makeRefs(6)
	analyzer := newFakeAnalyzer()
	for i, ref := range refs {
		if i == 2 {
			analyzer.errs[ref.Key()] = &analysis.TerminalError{
				Step: analysis.StepSubmit, StatusCode: 404, Message: "unknown extension",
			}
			continue
		}
		analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskLow, 0)
	}

	store := newTestStore(t)
	o := NewOrchestrator(store, analyzer, &Config{Workers: 3, MaxCacheAge: time.Hour})
	report, err := o.Scan(context.Background(), refs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if report.Stats.Failures != 1 {
		t.Fatalf("Failures = %d, want 1", report.Stats.Failures)
	}
	if report.Stats.Fresh != 5 {
		t.Fatalf("Fresh = %d, want 5", report.Stats.Fresh)
	}
	if !report.Outcomes[2].Failed() {
		t.Error("failed extension not marked in report")
	}
	if !analysis.IsTerminal(report.Outcomes[2].Err) {
		t.Errorf("failure should preserve the typed error, got %v", report.Outcomes[2].Err)
	}

	// The other five results must survive the one failure and reach
	// the cache.
	stats, err := store.Stats(context.Background(), 0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 5 {
		t.Errorf("cached entries = %d, want 5", stats.Total)
	}
}

func TestScanCacheHitSkipsAnalysis(t *testing.T) {
	refs := makeRefs(3)
	store := newTestStore(t)

	// Seed the cache with refs[0] only.
	seed := newFakeAnalyzer()
	seed.results[refs[0].Key()] = resultFor(refs[0], analysis.RiskHigh, 2)
	first := NewOrchestrator(store, seed, &Config{Workers: 1, MaxCacheAge: time.Hour})
	if _, err := first.Scan(context.Background(), refs[:1]); err != nil {
		t.Fatalf("seed scan: %v", err)
	}

	analyzer := newFakeAnalyzer()
	for _, ref := range refs[1:] {
		analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskLow, 0)
	}

	o := NewOrchestrator(store, analyzer, &Config{Workers: 2, MaxCacheAge: time.Hour})
	report, err := o.Scan(context.Background(), refs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if report.Stats.CacheHits != 1 || report.Stats.CacheMisses != 2 {
		t.Fatalf("hits/misses = %d/%d, want 1/2", report.Stats.CacheHits, report.Stats.CacheMisses)
	}
	if !report.Outcomes[0].FromCache {
		t.Error("cached outcome not annotated FromCache")
	}
	if report.Outcomes[1].FromCache || report.Outcomes[2].FromCache {
		t.Error("fresh outcomes wrongly annotated FromCache")
	}
	if analyzer.callCount(refs[0].Key()) != 0 {
		t.Error("cached extension was re-analyzed")
	}
	if got := report.Outcomes[0].Result; got == nil || got.RiskLevel != analysis.RiskHigh {
		t.Errorf("cached result = %+v, want high risk from cache", got)
	}
}

func TestScanNilStoreTreatsAllAsMisses(t *testing.T) {
	refs := makeRefs(4)
	analyzer := newFakeAnalyzer()
	for _, ref := range refs {
		analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskNone, 0)
	}

	o := NewOrchestrator(nil, analyzer, &Config{Workers: 2})
	report, err := o.Scan(context.Background(), refs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if report.Stats.CacheMisses != 4 || report.Stats.CacheHits != 0 {
		t.Errorf("hits/misses = %d/%d, want 0/4", report.Stats.CacheHits, report.Stats.CacheMisses)
	}
	if report.Stats.Fresh != 4 {
		t.Errorf("Fresh = %d, want 4", report.Stats.Fresh)
	}
}

func TestScanRetriesAggregated(t *testing.T) {
	refs := makeRefs(3)
	analyzer := newFakeAnalyzer()
	for i, ref := range refs {
		analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskLow, 0)
		analyzer.retries[ref.Key()] = i // 0 + 1 + 2
	}

	o := NewOrchestrator(nil, analyzer, &Config{Workers: 3})
	report, err := o.Scan(context.Background(), refs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if report.Stats.Retries != 3 {
		t.Errorf("Retries = %d, want 3", report.Stats.Retries)
	}
}

func TestScanFailedOutcomesNotCached(t *testing.T) {
	refs := makeRefs(2)
	analyzer := newFakeAnalyzer()
	analyzer.results[refs[0].Key()] = resultFor(refs[0], analysis.RiskLow, 0)
	analyzer.errs[refs[1].Key()] = errors.New("boom")

	store := newTestStore(t)
	o := NewOrchestrator(store, analyzer, &Config{Workers: 2, MaxCacheAge: time.Hour})
	if _, err := o.Scan(context.Background(), refs); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	stats, err := store.Stats(context.Background(), 0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("cached entries = %d, want 1 (failures must not be cached)", stats.Total)
	}
}

func TestScanCancelPersistsCompletedWork(t *testing.T) {
	refs := makeRefs(3)
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analyzer := newFakeAnalyzer()
	for _, ref := range refs {
		analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskLow, 0)
	}
	// Cancel as soon as the first analysis completes. With a single
	// worker the remaining jobs observe the cancellation before they
	// are dispatched.
	analyzer.onAnalyzed = cancel

	o := NewOrchestrator(store, analyzer, &Config{Workers: 1, MaxCacheAge: time.Hour})
	report, err := o.Scan(ctx, refs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if report.Outcomes[0].Failed() {
		t.Fatalf("completed outcome marked failed: %v", report.Outcomes[0].Err)
	}
	for i := 1; i < 3; i++ {
		if !errors.Is(report.Outcomes[i].Err, context.Canceled) {
			t.Errorf("Outcomes[%d].Err = %v, want context.Canceled", i, report.Outcomes[i].Err)
		}
	}
	if report.Stats.Fresh != 1 || report.Stats.Failures != 2 {
		t.Fatalf("fresh/failures = %d/%d, want 1/2", report.Stats.Fresh, report.Stats.Failures)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", report.Warnings)
	}

	// The completed analysis must survive the cancellation and reach
	// the cache.
	hit, err := store.Lookup(context.Background(), refs[0].ID(), refs[0].Version, time.Hour)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil {
		t.Error("completed result not persisted after cancellation")
	}
	stats, err := store.Stats(context.Background(), 0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("cached entries = %d, want 1", stats.Total)
	}
}

// commitFailStore hands out batches whose commits can never succeed:
// the underlying database is closed as soon as the batch opens.
type commitFailStore struct {
	*cache.SQLiteCache
}

func (s *commitFailStore) BeginBatch() (*cache.Batch, error) {
	b, err := s.SQLiteCache.BeginBatch()
	if err != nil {
		return nil, err
	}
	s.SQLiteCache.Close()
	return b, nil
}

func TestScanCommitFailureDegradesToWarning(t *testing.T) {
	refs := makeRefs(2)
	analyzer := newFakeAnalyzer()
	for _, ref := range refs {
		analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskLow, 0)
	}

	store := &commitFailStore{SQLiteCache: newTestStore(t)}
	o := NewOrchestrator(store, analyzer, &Config{Workers: 2, MaxCacheAge: time.Hour})
	report, err := o.Scan(context.Background(), refs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	// The outcomes themselves are intact; only the persistence failed.
	for i, out := range report.Outcomes {
		if out.Failed() {
			t.Errorf("Outcomes[%d] failed: %v", i, out.Err)
		}
	}
	if report.Stats.Fresh != 2 {
		t.Errorf("Fresh = %d, want 2", report.Stats.Fresh)
	}
	if len(report.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one commit warning", report.Warnings)
	}
	if !strings.Contains(report.Warnings[0], "commit-batch") {
		t.Errorf("warning = %q, want commit-batch failure", report.Warnings[0])
	}
}

func TestScanWorkerClamping(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 1},
		{-3, 1},
		{1, 1},
		{5, 5},
		{50, MaxWorkers},
	}
	for _, tt := range tests {
		o := NewOrchestrator(nil, newFakeAnalyzer(), &Config{Workers: tt.in})
		if o.config.Workers != tt.want {
			t.Errorf("Workers(%d) clamped to %d, want %d", tt.in, o.config.Workers, tt.want)
		}
	}
}

func TestScanReportFlags(t *testing.T) {
	refs := makeRefs(2)
	analyzer := newFakeAnalyzer()
	analyzer.results[refs[0].Key()] = resultFor(refs[0], analysis.RiskHigh, 3)
	analyzer.errs[refs[1].Key()] = errors.New("boom")

	o := NewOrchestrator(nil, analyzer, &Config{Workers: 1})
	report, err := o.Scan(context.Background(), refs)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if !report.HasVulnerabilities() {
		t.Error("HasVulnerabilities = false, want true")
	}
	if !report.HasFailures() {
		t.Error("HasFailures = false, want true")
	}
	if report.EndTime.Before(report.StartTime) {
		t.Error("EndTime precedes StartTime")
	}
}

func TestScanSecondRunFullyCached(t *testing.T) {
	refs := makeRefs(5)
	store := newTestStore(t)

	analyzer := newFakeAnalyzer()
	for _, ref := range refs {
		analyzer.results[ref.Key()] = resultFor(ref, analysis.RiskMedium, 1)
	}

	cfg := &Config{Workers: 3, MaxCacheAge: time.Hour}
	first := NewOrchestrator(store, analyzer, cfg)
	if _, err := first.Scan(context.Background(), refs); err != nil {
		t.Fatalf("first Scan: %v", err)
	}

	second := NewOrchestrator(store, analyzer, cfg)
	report, err := second.Scan(context.Background(), refs)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}

	if report.Stats.CacheHits != 5 || report.Stats.CacheMisses != 0 {
		t.Fatalf("second run hits/misses = %d/%d, want 5/0", report.Stats.CacheHits, report.Stats.CacheMisses)
	}
	for _, ref := range refs {
		if analyzer.callCount(ref.Key()) != 1 {
			t.Errorf("%s analyzed %d times, want 1", ref, analyzer.callCount(ref.Key()))
		}
	}
}
