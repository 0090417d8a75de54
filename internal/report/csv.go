package report

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/extscan/extscan/internal/analysis"
	"github.com/extscan/extscan/internal/engine"
)

// CSVReporter outputs one row per extension, suitable for spreadsheet
// import or diffing between runs.
type CSVReporter struct{}

// Format returns "csv".
func (r *CSVReporter) Format() string {
	return "csv"
}

var csvHeader = []string{
	"publisher", "name", "version", "risk_level", "score",
	"findings", "critical", "high", "from_cache", "error",
}

// Generate writes the CSV scan report to w.
func (r *CSVReporter) Generate(ctx context.Context, report *engine.Report, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, o := range report.Outcomes {
		row := make([]string, 0, len(csvHeader))
		row = append(row, o.Ref.Publisher, o.Ref.Name, o.Ref.Version)

		if o.Failed() {
			row = append(row, "", "", "", "", "", "", o.Err.Error())
		} else if o.Result != nil {
			row = append(row,
				o.Result.RiskLevel,
				strconv.FormatFloat(o.Result.Score, 'f', 1, 64),
				strconv.Itoa(o.Result.VulnerabilityCount()),
				strconv.Itoa(o.Result.SeverityCount(analysis.RiskCritical)),
				strconv.Itoa(o.Result.SeverityCount(analysis.RiskHigh)),
				strconv.FormatBool(o.FromCache),
				"",
			)
		} else {
			continue
		}

		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
