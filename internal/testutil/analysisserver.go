// Package testutil provides test utilities including a fake remote
// analysis service for integration testing of the extscan scanner.
//
// The fake server implements the same three-endpoint protocol as the
// real service: POST /api/v1/analyze to submit, GET /api/v1/status/{id}
// to poll, and GET /api/v1/result/{id} to fetch the completed result.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CannedResult describes what the fake service reports for one
// extension version.
type CannedResult struct {
	RiskLevel string
	Score     float64
	Findings  []CannedFinding

	// PollsUntilComplete is how many status polls return "polling"
	// before the analysis completes. Zero completes immediately.
	PollsUntilComplete int

	// FailAnalysis makes the status endpoint report phase "failed"
	// with FailMessage once polling finishes.
	FailAnalysis bool
	FailMessage  string
}

// CannedFinding is one finding in a canned result.
type CannedFinding struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Severity string `json:"severity"`
}

// analysisJob tracks one submitted analysis.
type analysisJob struct {
	key       string
	canned    CannedResult
	pollsLeft int
}

// AnalysisServer is a fake remote analysis service backed by httptest.
type AnalysisServer struct {
	server *httptest.Server

	mu      sync.Mutex
	canned  map[string]CannedResult // key: publisher.name@version
	jobs    map[string]*analysisJob // key: analysis id
	hits    map[string]int          // key: endpoint name
	rejects int                     // pending transient rejections
	status  int                     // status code used for rejections
	retryIn int                     // Retry-After seconds on rejection, 0 omits header
}

// NewAnalysisServer starts a fake analysis service. Close it with
// Close when the test finishes.
func NewAnalysisServer() *AnalysisServer {
	s := &AnalysisServer{
		canned: make(map[string]CannedResult),
		jobs:   make(map[string]*analysisJob),
		hits:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/analyze", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/status/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/v1/result/{id}", s.handleResult)

	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the base URL of the fake service.
func (s *AnalysisServer) URL() string {
	return s.server.URL
}

// Close shuts the server down.
func (s *AnalysisServer) Close() {
	s.server.Close()
}

// SetResult registers the canned result served for an extension
// version. The key is publisher.name@version.
func (s *AnalysisServer) SetResult(key string, result CannedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canned[key] = result
}

// RejectNext makes the next n requests fail with the given status
// code. retryAfterSeconds adds a Retry-After header when positive.
func (s *AnalysisServer) RejectNext(n, statusCode, retryAfterSeconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = n
	s.status = statusCode
	s.retryIn = retryAfterSeconds
}

// Hits returns how many requests reached the named endpoint
// ("submit", "status" or "result").
func (s *AnalysisServer) Hits(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[endpoint]
}

// TotalHits returns the total request count across all endpoints.
func (s *AnalysisServer) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

// maybeReject consumes one pending rejection. Callers hold s.mu.
func (s *AnalysisServer) maybeReject(w http.ResponseWriter) bool {
	if s.rejects <= 0 {
		return false
	}
	s.rejects--
	if s.retryIn > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryIn))
	}
	w.WriteHeader(s.status)
	fmt.Fprint(w, `{"error":"temporarily unavailable"}`)
	return true
}

func (s *AnalysisServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits["submit"]++

	if s.maybeReject(w) {
		return
	}

	var req struct {
		Publisher string `json:"publisher"`
		Name      string `json:"name"`
		Version   string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request"}`, http.StatusBadRequest)
		return
	}

	key := req.Publisher + "." + req.Name + "@" + req.Version
	canned, ok := s.canned[key]
	if !ok {
		http.Error(w, `{"error":"unknown extension"}`, http.StatusNotFound)
		return
	}

	id := uuid.New().String()
	s.jobs[id] = &analysisJob{key: key, canned: canned, pollsLeft: canned.PollsUntilComplete}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"analysis_id": id})
}

func (s *AnalysisServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits["status"]++

	if s.maybeReject(w) {
		return
	}

	job, ok := s.jobs[r.PathValue("id")]
	if !ok {
		http.Error(w, `{"error":"unknown analysis id"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case job.pollsLeft > 0:
		job.pollsLeft--
		json.NewEncoder(w).Encode(map[string]any{"phase": "polling", "progress": 50})
	case job.canned.FailAnalysis:
		msg := job.canned.FailMessage
		if msg == "" {
			msg = "analysis failed"
		}
		json.NewEncoder(w).Encode(map[string]any{"phase": "failed", "error": msg})
	default:
		json.NewEncoder(w).Encode(map[string]any{"phase": "completed", "progress": 100})
	}
}

func (s *AnalysisServer) handleResult(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits["result"]++

	if s.maybeReject(w) {
		return
	}

	job, ok := s.jobs[r.PathValue("id")]
	if !ok {
		http.Error(w, `{"error":"unknown analysis id"}`, http.StatusNotFound)
		return
	}

	findings := job.canned.Findings
	if findings == nil {
		findings = []CannedFinding{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"risk_level":  job.canned.RiskLevel,
		"score":       job.canned.Score,
		"findings":    findings,
		"analyzed_at": time.Now().UTC().Format(time.RFC3339),
	})
}
