// Package report provides formatters for scan result output.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/extscan/extscan/internal/analysis"
	"github.com/extscan/extscan/internal/engine"
)

// Reporter generates output in a specific format.
type Reporter interface {
	// Format returns the format name (e.g., "text", "json").
	Format() string

	// Generate writes the formatted scan report to w.
	Generate(ctx context.Context, report *engine.Report, w io.Writer) error
}

// New creates a reporter by format name ("text", "json" or "csv").
// The format name is case-insensitive.
func New(format string) (Reporter, error) {
	switch strings.ToLower(format) {
	case "text":
		return &TextReporter{}, nil
	case "json":
		return &JSONReporter{}, nil
	case "csv":
		return &CSVReporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported report format: %q", format)
	}
}

// riskRank orders risk levels for display, most severe first.
var riskRank = map[string]int{
	analysis.RiskCritical: 0,
	analysis.RiskHigh:     1,
	analysis.RiskMedium:   2,
	analysis.RiskLow:      3,
	analysis.RiskNone:     4,
}

// sortedBySeverity returns the successful outcomes ordered by
// severity, then by key so equal-severity rows are stable.
func sortedBySeverity(outcomes []engine.Outcome) []engine.Outcome {
	sorted := make([]engine.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result != nil {
			sorted = append(sorted, o)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		ri, rj := rankOf(sorted[i]), rankOf(sorted[j])
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Ref.Key() < sorted[j].Ref.Key()
	})
	return sorted
}

func rankOf(o engine.Outcome) int {
	if r, ok := riskRank[o.Result.RiskLevel]; ok {
		return r
	}
	return len(riskRank)
}
