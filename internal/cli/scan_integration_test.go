package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/extscan/extscan/internal/testutil"
)

// writeExtension lays out one extension directory with a manifest.
func writeExtension(t *testing.T, root, dirName, manifest string) {
	t.Helper()
	dir := filepath.Join(root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

// scanOutput is the subset of the JSON report the tests assert on.
type scanOutput struct {
	Tool    string `json:"tool"`
	Results []struct {
		Publisher string `json:"publisher"`
		Name      string `json:"name"`
		RiskLevel string `json:"risk_level"`
		FromCache bool   `json:"from_cache"`
	} `json:"results"`
	Summary struct {
		Total     int `json:"total"`
		CacheHits int `json:"cache_hits"`
		Analyzed  int `json:"analyzed"`
		Failed    int `json:"failed"`
	} `json:"summary"`
}

func TestScanCommandEndToEnd(t *testing.T) {
	server := testutil.NewAnalysisServer()
	defer server.Close()

	server.SetResult("acme.linter@1.4.2", testutil.CannedResult{RiskLevel: "none"})
	server.SetResult("evil.stealer@2.1.0", testutil.CannedResult{
		RiskLevel:          "critical",
		Score:              9.8,
		Findings:           []testutil.CannedFinding{{ID: "EXT-001", Title: "exfiltrates tokens", Severity: "critical"}},
		PollsUntilComplete: 1,
	})

	extDir := t.TempDir()
	writeExtension(t, extDir, "acme.linter-1.4.2",
		`{"publisher":"acme","name":"linter","version":"1.4.2"}`)
	writeExtension(t, extDir, "evil.stealer-2.1.0",
		`{"publisher":"evil","name":"stealer","version":"2.1.0"}`)

	cachePath := filepath.Join(t.TempDir(), "results.db")
	outPath := filepath.Join(t.TempDir(), "report.json")

	runArgs := []string{
		"scan",
		"--dir", extDir,
		"--cache", cachePath,
		"--no-cache=false",
		"--service-url", server.URL(),
		"--format", "json",
		"--output", outPath,
		"--no-color",
	}

	if _, err := execute(t, runArgs...); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var out scanOutput
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse report: %v", err)
	}

	if out.Tool != "extscan" {
		t.Errorf("tool = %q", out.Tool)
	}
	if out.Summary.Total != 2 || out.Summary.Analyzed != 2 || out.Summary.Failed != 0 {
		t.Fatalf("summary = %+v", out.Summary)
	}
	var critical bool
	for _, r := range out.Results {
		if r.Publisher == "evil" && r.RiskLevel == "critical" {
			critical = true
		}
	}
	if !critical {
		t.Errorf("report missing critical result: %+v", out.Results)
	}

	// Second run is served from the cache: no new service traffic.
	before := server.TotalHits()
	if _, err := execute(t, runArgs...); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if server.TotalHits() != before {
		t.Errorf("second scan hit the service %d more times", server.TotalHits()-before)
	}

	data, err = os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read second report: %v", err)
	}
	var out2 scanOutput
	if err := json.Unmarshal(data, &out2); err != nil {
		t.Fatalf("parse second report: %v", err)
	}
	if out2.Summary.CacheHits != 2 {
		t.Errorf("second run cache hits = %d, want 2", out2.Summary.CacheHits)
	}
}

func TestScanCommandReportsFailures(t *testing.T) {
	server := testutil.NewAnalysisServer()
	defer server.Close()
	// No canned results registered, so the submit gets a 404.

	extDir := t.TempDir()
	writeExtension(t, extDir, "ghost.ext-1.0.0",
		`{"publisher":"ghost","name":"ext","version":"1.0.0"}`)

	outPath := filepath.Join(t.TempDir(), "report.json")

	_, err := execute(t,
		"scan",
		"--dir", extDir,
		"--no-cache",
		"--service-url", server.URL(),
		"--format", "json",
		"--output", outPath,
		"--no-color",
	)
	if err == nil {
		t.Fatal("scan with failures should return an error")
	}
	if !strings.Contains(err.Error(), "scan incomplete") {
		t.Errorf("error = %v", err)
	}

	// The report is still written despite the failure exit.
	data, readErr := os.ReadFile(outPath)
	if readErr != nil {
		t.Fatalf("report not written: %v", readErr)
	}
	var out scanOutput
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if out.Summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", out.Summary.Failed)
	}
}

func TestCachePruneCommand(t *testing.T) {
	server := testutil.NewAnalysisServer()
	defer server.Close()
	server.SetResult("acme.keep@1.0.0", testutil.CannedResult{RiskLevel: "none"})
	server.SetResult("acme.gone@1.0.0", testutil.CannedResult{RiskLevel: "low"})

	extDir := t.TempDir()
	writeExtension(t, extDir, "acme.keep-1.0.0",
		`{"publisher":"acme","name":"keep","version":"1.0.0"}`)
	writeExtension(t, extDir, "acme.gone-1.0.0",
		`{"publisher":"acme","name":"gone","version":"1.0.0"}`)

	cachePath := filepath.Join(t.TempDir(), "results.db")

	if _, err := execute(t,
		"scan",
		"--dir", extDir,
		"--cache", cachePath,
		"--no-cache=false",
		"--service-url", server.URL(),
		"--format", "json",
		"--output", filepath.Join(t.TempDir(), "report.json"),
	); err != nil {
		t.Fatalf("seed scan: %v", err)
	}

	// Uninstall acme.gone, then prune.
	if err := os.RemoveAll(filepath.Join(extDir, "acme.gone-1.0.0")); err != nil {
		t.Fatalf("remove extension: %v", err)
	}

	out, err := execute(t, "cache", "prune", "--dir", extDir, "--cache", cachePath)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "Removed 1 stale cache entry.") {
		t.Errorf("prune output = %q", out)
	}

	// Stats reflect the single remaining entry.
	statsOut, err := execute(t, "cache", "stats", "--cache", cachePath)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(statsOut, "Entries:  1") {
		t.Errorf("stats output = %q", statsOut)
	}
}
