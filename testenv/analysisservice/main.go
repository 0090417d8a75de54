// Standalone fake extension-analysis service for end-to-end testing of
// extscan. It speaks the same three-endpoint protocol as the real
// service and derives deterministic results from the extension
// identity, so tests can assert on exact findings.
//
// Verdict rules:
//   - publisher "evil"      -> critical, two findings
//   - publisher "risky"     -> high, one finding
//   - name contains "eval"  -> medium, one finding
//   - publisher "unknown"   -> 404 on submit
//   - anything else         -> none, no findings
//
// Environment:
//
//	ADDR             listen address (default :18081)
//	POLLS            status polls before completion (default 1)
//	REJECT_EVERY     every Nth request gets a 503 with Retry-After: 1
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type job struct {
	publisher string
	name      string
	version   string
	pollsLeft int
}

type server struct {
	mu          sync.Mutex
	jobs        map[string]*job
	polls       int
	rejectEvery int
	requests    int
}

func main() {
	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":18081"
	}

	s := &server{jobs: make(map[string]*job), polls: 1}
	if v, err := strconv.Atoi(os.Getenv("POLLS")); err == nil && v >= 0 {
		s.polls = v
	}
	if v, err := strconv.Atoi(os.Getenv("REJECT_EVERY")); err == nil && v > 1 {
		s.rejectEvery = v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/analyze", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/status/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/v1/result/{id}", s.handleResult)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})

	log.Printf("fake analysis service listening on %s (polls=%d)", addr, s.polls)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// maybeReject periodically returns a 503 so clients exercise their
// retry paths. Callers hold s.mu.
func (s *server) maybeReject(w http.ResponseWriter) bool {
	s.requests++
	if s.rejectEvery > 0 && s.requests%s.rejectEvery == 0 {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"temporarily unavailable"}`)
		return true
	}
	return false
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	if req.Publisher == "unknown" {
		http.Error(w, `{"error":"unknown extension"}`, http.StatusNotFound)
		return
	}

	id := uuid.New().String()
	s.jobs[id] = &job{
		publisher: req.Publisher,
		name:      req.Name,
		version:   req.Version,
		pollsLeft: s.polls,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"analysis_id": id})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maybeReject(w) {
		return
	}

	j, ok := s.jobs[r.PathValue("id")]
	if !ok {
		http.Error(w, `{"error":"unknown analysis id"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if j.pollsLeft > 0 {
		j.pollsLeft--
		json.NewEncoder(w).Encode(map[string]any{"phase": "polling", "progress": 50})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"phase": "completed", "progress": 100})
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maybeReject(w) {
		return
	}

	j, ok := s.jobs[r.PathValue("id")]
	if !ok {
		http.Error(w, `{"error":"unknown analysis id"}`, http.StatusNotFound)
		return
	}

	risk, score, findings := verdict(j.publisher, j.name)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"publisher":   j.publisher,
		"name":        j.name,
		"version":     j.version,
		"risk_level":  risk,
		"score":       score,
		"findings":    findings,
		"analyzed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

type finding struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Severity string `json:"severity"`
}

// verdict derives a deterministic analysis result from the extension
// identity so e2e tests can assert exact outcomes.
func verdict(publisher, name string) (string, float64, []finding) {
	switch {
	case publisher == "evil":
		return "critical", 9.8, []finding{
			{ID: "E2E-001", Title: "credential exfiltration", Severity: "critical"},
			{ID: "E2E-002", Title: "obfuscated payload loader", Severity: "high"},
		}
	case publisher == "risky":
		return "high", 7.1, []finding{
			{ID: "E2E-010", Title: "downloads and executes remote code", Severity: "high"},
		}
	case strings.Contains(name, "eval"):
		return "medium", 4.0, []finding{
			{ID: "E2E-020", Title: "dynamic code evaluation", Severity: "medium"},
		}
	default:
		return "none", 0, []finding{}
	}
}
