package report

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/extscan/extscan/internal/analysis"
	"github.com/extscan/extscan/internal/engine"
)

// JSONReporter outputs structured JSON.
type JSONReporter struct {
	// Compact outputs single-line JSON when true (no indentation).
	Compact bool
}

// Format returns "json".
func (r *JSONReporter) Format() string {
	return "json"
}

// jsonOutput is the top-level JSON structure.
type jsonOutput struct {
	SchemaVersion string        `json:"schema_version"`
	Tool          string        `json:"tool"`
	RunID         string        `json:"run_id"`
	Scan          jsonScan      `json:"scan"`
	Results       []jsonResult  `json:"results"`
	Failures      []jsonFailure `json:"failures,omitempty"`
	Summary       jsonSummary   `json:"summary"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// jsonScan represents scan metadata in JSON.
type jsonScan struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	TotalRequests   int64     `json:"total_requests"`
	Retries         int       `json:"retries"`
}

// jsonResult represents one analyzed extension in JSON.
type jsonResult struct {
	Publisher string             `json:"publisher"`
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	RiskLevel string             `json:"risk_level"`
	Score     float64            `json:"score"`
	FromCache bool               `json:"from_cache"`
	Findings  []analysis.Finding `json:"findings"`
}

// jsonFailure represents one failed extension in JSON.
type jsonFailure struct {
	Publisher string `json:"publisher"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Error     string `json:"error"`
}

// jsonSummary represents the summary in JSON.
type jsonSummary struct {
	Total                int `json:"total"`
	CacheHits            int `json:"cache_hits"`
	Analyzed             int `json:"analyzed"`
	Failed               int `json:"failed"`
	VulnerableExtensions int `json:"vulnerable_extensions"`
	TotalFindings        int `json:"total_findings"`
}

// Generate writes the JSON scan report to w.
func (r *JSONReporter) Generate(ctx context.Context, report *engine.Report, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	duration := report.EndTime.Sub(report.StartTime)

	output := jsonOutput{
		SchemaVersion: "1.0",
		Tool:          "extscan",
		RunID:         report.RunID,
		Scan: jsonScan{
			StartTime:       report.StartTime,
			EndTime:         report.EndTime,
			DurationSeconds: duration.Seconds(),
			TotalRequests:   report.Stats.Requests,
			Retries:         report.Stats.Retries,
		},
		Results: make([]jsonResult, 0, len(report.Outcomes)),
		Summary: jsonSummary{
			Total:     report.Stats.Total,
			CacheHits: report.Stats.CacheHits,
			Analyzed:  report.Stats.Fresh,
			Failed:    report.Stats.Failures,
		},
	}

	for _, o := range report.Outcomes {
		if o.Failed() {
			output.Failures = append(output.Failures, jsonFailure{
				Publisher: o.Ref.Publisher,
				Name:      o.Ref.Name,
				Version:   o.Ref.Version,
				Error:     o.Err.Error(),
			})
			continue
		}
		if o.Result == nil {
			continue
		}

		findings := o.Result.Findings
		if findings == nil {
			findings = []analysis.Finding{}
		}
		output.Results = append(output.Results, jsonResult{
			Publisher: o.Ref.Publisher,
			Name:      o.Ref.Name,
			Version:   o.Ref.Version,
			RiskLevel: o.Result.RiskLevel,
			Score:     o.Result.Score,
			FromCache: o.FromCache,
			Findings:  findings,
		})

		if n := o.Result.VulnerabilityCount(); n > 0 {
			output.Summary.VulnerableExtensions++
			output.Summary.TotalFindings += n
		}
	}

	output.Warnings = report.Warnings

	enc := json.NewEncoder(w)
	if !r.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(output)
}
