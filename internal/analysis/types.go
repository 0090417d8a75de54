// Package analysis drives the remote extension-analysis protocol:
// submit an extension for analysis, poll until the service completes,
// then fetch the final result. Every step runs under a bounded
// retry/backoff policy that cooperates with service rate limiting.
package analysis

import "time"

// Phase is the protocol phase of one in-flight analysis.
type Phase string

const (
	PhaseSubmitted Phase = "submitted"
	PhasePolling   Phase = "polling"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Risk levels reported by the analysis service, ordered from worst to none.
const (
	RiskCritical = "critical"
	RiskHigh     = "high"
	RiskMedium   = "medium"
	RiskLow      = "low"
	RiskNone     = "none"
)

// RiskLevels lists all known risk levels from worst to none.
var RiskLevels = []string{RiskCritical, RiskHigh, RiskMedium, RiskLow, RiskNone}

// Finding is a single vulnerability reported for an extension.
type Finding struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

// Result is the final analysis payload for one extension version.
type Result struct {
	Publisher  string    `json:"publisher"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	RiskLevel  string    `json:"risk_level"`
	Score      float64   `json:"score"`
	Findings   []Finding `json:"findings"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// ID returns the extension identifier in publisher.name form.
func (r *Result) ID() string {
	return r.Publisher + "." + r.Name
}

// VulnerabilityCount returns the total number of findings.
func (r *Result) VulnerabilityCount() int {
	return len(r.Findings)
}

// SeverityCount returns the number of findings with the given severity.
func (r *Result) SeverityCount(severity string) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == severity {
			n++
		}
	}
	return n
}
