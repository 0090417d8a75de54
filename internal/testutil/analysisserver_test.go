package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode body %q: %v", data, err)
	}
}

func TestSubmitPollFetch(t *testing.T) {
	s := NewAnalysisServer()
	defer s.Close()

	s.SetResult("acme.ext@1.0", CannedResult{
		RiskLevel:          "high",
		Score:              7.5,
		Findings:           []CannedFinding{{ID: "F-1", Title: "bad", Severity: "high"}},
		PollsUntilComplete: 2,
	})

	resp := postJSON(t, s.URL()+"/api/v1/analyze",
		map[string]string{"publisher": "acme", "name": "ext", "version": "1.0"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var submit struct {
		AnalysisID string `json:"analysis_id"`
	}
	decodeBody(t, resp, &submit)
	if submit.AnalysisID == "" {
		t.Fatal("missing analysis_id")
	}

	// Two polls in progress, then completed.
	for i, wantPhase := range []string{"polling", "polling", "completed"} {
		resp, err := http.Get(s.URL() + "/api/v1/status/" + submit.AnalysisID)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		var st struct {
			Phase string `json:"phase"`
		}
		decodeBody(t, resp, &st)
		if st.Phase != wantPhase {
			t.Errorf("poll %d phase = %q, want %q", i, st.Phase, wantPhase)
		}
	}

	resp2, err := http.Get(s.URL() + "/api/v1/result/" + submit.AnalysisID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var result struct {
		RiskLevel string          `json:"risk_level"`
		Score     float64         `json:"score"`
		Findings  []CannedFinding `json:"findings"`
	}
	decodeBody(t, resp2, &result)
	if result.RiskLevel != "high" || result.Score != 7.5 || len(result.Findings) != 1 {
		t.Errorf("result = %+v", result)
	}

	if s.Hits("submit") != 1 || s.Hits("status") != 3 || s.Hits("result") != 1 {
		t.Errorf("hits = submit %d status %d result %d",
			s.Hits("submit"), s.Hits("status"), s.Hits("result"))
	}
}

func TestUnknownExtensionRejected(t *testing.T) {
	s := NewAnalysisServer()
	defer s.Close()

	resp := postJSON(t, s.URL()+"/api/v1/analyze",
		map[string]string{"publisher": "no", "name": "such", "version": "0"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRejectNext(t *testing.T) {
	s := NewAnalysisServer()
	defer s.Close()
	s.SetResult("a.b@1", CannedResult{RiskLevel: "none"})

	s.RejectNext(1, http.StatusServiceUnavailable, 3)

	resp := postJSON(t, s.URL()+"/api/v1/analyze",
		map[string]string{"publisher": "a", "name": "b", "version": "1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("first request status = %d, want 503", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, want 3", got)
	}

	// Rejection budget spent; the next request succeeds.
	resp2 := postJSON(t, s.URL()+"/api/v1/analyze",
		map[string]string{"publisher": "a", "name": "b", "version": "1"})
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Errorf("second request status = %d, want 202", resp2.StatusCode)
	}
}

func TestFailedAnalysis(t *testing.T) {
	s := NewAnalysisServer()
	defer s.Close()
	s.SetResult("a.b@1", CannedResult{FailAnalysis: true, FailMessage: "sandbox crashed"})

	resp := postJSON(t, s.URL()+"/api/v1/analyze",
		map[string]string{"publisher": "a", "name": "b", "version": "1"})
	var submit struct {
		AnalysisID string `json:"analysis_id"`
	}
	decodeBody(t, resp, &submit)

	resp2, err := http.Get(s.URL() + "/api/v1/status/" + submit.AnalysisID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var st struct {
		Phase string `json:"phase"`
		Error string `json:"error"`
	}
	decodeBody(t, resp2, &st)
	if st.Phase != "failed" || st.Error != "sandbox crashed" {
		t.Errorf("status = %+v", st)
	}
}
