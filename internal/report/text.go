package report

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/extscan/extscan/internal/analysis"
	"github.com/extscan/extscan/internal/engine"
)

const (
	doubleLine = "\u2550" // ═
	singleLine = "\u2500" // ─
	lineWidth  = 60
)

// TextReporter outputs plain terminal text with a severity-sorted
// result table.
type TextReporter struct {
	// Verbose controls detail level: 0=results only, 1=+scan info, 2=+details.
	Verbose int

	// NoColor disables ANSI color in risk levels.
	NoColor bool
}

// Format returns "text".
func (r *TextReporter) Format() string {
	return "text"
}

// Generate writes the formatted scan report to w.
func (r *TextReporter) Generate(ctx context.Context, report *engine.Report, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := &strings.Builder{}

	doubleBar := strings.Repeat(doubleLine, lineWidth)
	singleBar := strings.Repeat(singleLine, lineWidth)

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintln(b, "extscan - Extension Vulnerability Scan Results")
	fmt.Fprintln(b, doubleBar)

	duration := report.EndTime.Sub(report.StartTime)
	fmt.Fprintf(b, "Extensions: %d (%d cached, %d analyzed)\n",
		report.Stats.Total, report.Stats.CacheHits, report.Stats.Fresh)
	fmt.Fprintf(b, "Duration:   %.1fs\n", duration.Seconds())
	if r.Verbose >= 1 {
		fmt.Fprintf(b, "Run ID:     %s\n", report.RunID)
		fmt.Fprintf(b, "Requests:   %d\n", report.Stats.Requests)
		fmt.Fprintf(b, "Retries:    %d\n", report.Stats.Retries)
	}

	sorted := sortedBySeverity(report.Outcomes)
	if len(sorted) > 0 {
		fmt.Fprintln(b, singleBar)
		r.writeTable(b, sorted)
	}

	if r.Verbose >= 2 {
		r.writeFindings(b, singleBar, sorted)
	}

	if failures := failedOutcomes(report.Outcomes); len(failures) > 0 {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintln(b, "Failed:")
		for _, o := range failures {
			fmt.Fprintf(b, "  - %s: %v\n", o.Ref, o.Err)
		}
	}

	if len(report.Warnings) > 0 {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintln(b, "Warnings:")
		for _, warn := range report.Warnings {
			fmt.Fprintf(b, "  - %s\n", warn)
		}
	}

	fmt.Fprintln(b, doubleBar)
	vulnerable := 0
	totalFindings := 0
	for _, o := range sorted {
		if n := o.Result.VulnerabilityCount(); n > 0 {
			vulnerable++
			totalFindings += n
		}
	}
	fmt.Fprintf(b, "Summary: %d finding(s) across %d vulnerable extension(s)\n",
		totalFindings, vulnerable)
	fmt.Fprintln(b, doubleBar)

	_, err := io.WriteString(w, b.String())
	return err
}

// writeTable renders the severity-sorted result table.
func (r *TextReporter) writeTable(w io.Writer, outcomes []engine.Outcome) {
	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Settings: tw.Settings{Separators: tw.Separators{BetweenRows: tw.Off}},
		})),
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
	)

	table.Header([]string{"Extension", "Version", "Risk", "Score", "Findings", "Source"})
	for _, o := range outcomes {
		source := "fresh"
		if o.FromCache {
			source = "cache"
		}
		table.Append([]string{
			o.Ref.ID(),
			o.Ref.Version,
			r.colorRisk(o.Result.RiskLevel),
			strconv.FormatFloat(o.Result.Score, 'f', 1, 64),
			strconv.Itoa(o.Result.VulnerabilityCount()),
			source,
		})
	}
	table.Render()
}

// writeFindings lists each vulnerable extension's findings.
func (r *TextReporter) writeFindings(w io.Writer, bar string, outcomes []engine.Outcome) {
	for _, o := range outcomes {
		if o.Result.VulnerabilityCount() == 0 {
			continue
		}
		fmt.Fprintln(w, bar)
		fmt.Fprintf(w, "%s (%s)\n", o.Ref.Key(), r.colorRisk(o.Result.RiskLevel))
		for _, f := range o.Result.Findings {
			fmt.Fprintf(w, "  [%s] %s: %s\n", strings.ToUpper(f.Severity), f.ID, f.Title)
			if f.Reference != "" {
				fmt.Fprintf(w, "        %s\n", f.Reference)
			}
		}
	}
}

// colorRisk colors a risk level for terminal display.
func (r *TextReporter) colorRisk(risk string) string {
	if r.NoColor {
		return risk
	}
	switch risk {
	case analysis.RiskCritical:
		return color.New(color.FgRed, color.Bold).Sprint(risk)
	case analysis.RiskHigh:
		return color.RedString(risk)
	case analysis.RiskMedium:
		return color.YellowString(risk)
	case analysis.RiskLow:
		return color.CyanString(risk)
	default:
		return color.GreenString(risk)
	}
}

// failedOutcomes filters the outcomes down to failures, preserving
// input order.
func failedOutcomes(outcomes []engine.Outcome) []engine.Outcome {
	var failed []engine.Outcome
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}
