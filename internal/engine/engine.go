// Package engine provides the core scan orchestration pipeline:
// cache partitioning, the bounded worker pool driving remote analyses,
// and assembly of the final report.
package engine

import (
	"time"

	"github.com/extscan/extscan/internal/analysis"
)

// ExtensionRef identifies a single scan target. Immutable once
// constructed; supplied by the discovery layer.
type ExtensionRef struct {
	Publisher string
	Name      string
	Version   string
}

// ID returns the extension identifier in publisher.name form.
func (r ExtensionRef) ID() string {
	return r.Publisher + "." + r.Name
}

// Key returns the id@version cache key for this target.
func (r ExtensionRef) Key() string {
	return r.ID() + "@" + r.Version
}

func (r ExtensionRef) String() string {
	return r.Key()
}

// Outcome is the per-extension unit of the final report: either a
// successful result or a typed failure carrying the reference it
// corresponds to, so failures never abort sibling work.
type Outcome struct {
	Ref       ExtensionRef
	Result    *analysis.Result // nil when Err is set
	FromCache bool
	Err       error
}

// Failed reports whether this outcome is a failure.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Stats aggregates scan-wide counters. All updates flow through the
// single collector loop, never through unsynchronized shared counters.
type Stats struct {
	Total       int
	CacheHits   int
	CacheMisses int
	Fresh       int // fresh successful analyses
	Failures    int
	Retries     int // transient retries consumed across all workers
	Requests    int64
}

// Report holds the complete result of one scan invocation. Outcomes
// are in original input order regardless of worker completion order.
type Report struct {
	RunID     string
	StartTime time.Time
	EndTime   time.Time
	Outcomes  []Outcome
	Stats     Stats

	// Warnings collects non-fatal degradations, such as a failed
	// cache batch commit.
	Warnings []string
}

// HasVulnerabilities reports whether any successful outcome carries at
// least one finding. Distinct from HasFailures so the CLI can signal
// "vulnerable" and "incomplete" separately.
func (r *Report) HasVulnerabilities() bool {
	for _, o := range r.Outcomes {
		if o.Result != nil && o.Result.VulnerabilityCount() > 0 {
			return true
		}
	}
	return false
}

// HasFailures reports whether any extension's scan failed.
func (r *Report) HasFailures() bool {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return true
		}
	}
	return false
}
