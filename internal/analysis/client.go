package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/extscan/extscan/internal/transport"
)

// ClientOptions holds configuration for creating an analysis Client.
type ClientOptions struct {
	// BaseURL is the root URL of the analysis service.
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Retry is the backoff policy shared by all protocol steps.
	Retry RetryPolicy

	// PollInterval is the delay between status polls while the
	// service reports the analysis is still running.
	PollInterval time.Duration

	// MaxPolls bounds how many completed status responses are
	// awaited before the sequence is abandoned.
	MaxPolls int

	// RequestTimeout is the per-request timeout for all steps.
	RequestTimeout time.Duration

	// Logger receives debug/warn events. nil discards them.
	Logger *slog.Logger
}

// DefaultClientOptions returns options with the default retry policy,
// a 2s poll interval, 60 poll budget, and 30s request timeout.
func DefaultClientOptions(baseURL string) ClientOptions {
	return ClientOptions{
		BaseURL:        baseURL,
		Retry:          DefaultRetryPolicy(),
		PollInterval:   2 * time.Second,
		MaxPolls:       60,
		RequestTimeout: 30 * time.Second,
	}
}

// Client drives the submit/poll/fetch sequence against the analysis
// service. A single Client is safe for concurrent use by multiple
// workers; per-sequence state lives in the Session each call creates.
type Client struct {
	http    transport.Client
	opts    ClientOptions
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates an analysis client on top of the given transport.
func NewClient(httpc transport.Client, opts ClientOptions) *Client {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 60
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "analysis-service",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		http:    httpc,
		opts:    opts,
		breaker: breaker,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// --------------------------------------------------------------------------
// Wire types
// --------------------------------------------------------------------------

type submitRequest struct {
	Publisher string `json:"publisher"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

type submitResponse struct {
	AnalysisID string `json:"analysis_id"`
}

type statusResponse struct {
	Phase    string  `json:"phase"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// Analyze runs the full submit/poll/fetch sequence for one extension
// version and returns the final result along with the number of
// transient retries consumed. Failures are typed: *TerminalError for
// non-retryable rejections, *ExhaustedError when bounded retries run
// out on any step.
func (c *Client) Analyze(ctx context.Context, publisher, name, version string) (*Result, int, error) {
	sess := &Session{Phase: PhaseSubmitted}

	id, err := c.submit(ctx, sess, publisher, name, version)
	if err != nil {
		sess.Phase = PhaseFailed
		return nil, sess.Retries, err
	}
	sess.AnalysisID = id
	sess.Phase = PhasePolling

	if err := c.waitForCompletion(ctx, sess); err != nil {
		sess.Phase = PhaseFailed
		return nil, sess.Retries, err
	}

	result, err := c.fetch(ctx, sess)
	if err != nil {
		sess.Phase = PhaseFailed
		return nil, sess.Retries, err
	}
	sess.Phase = PhaseCompleted

	if result.Publisher == "" {
		result.Publisher = publisher
	}
	if result.Name == "" {
		result.Name = name
	}
	if result.Version == "" {
		result.Version = version
	}
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = time.Now().UTC()
	}

	return result, sess.Retries, nil
}

// --------------------------------------------------------------------------
// Protocol steps
// --------------------------------------------------------------------------

// submit posts the extension identity and returns the analysis id.
func (c *Client) submit(ctx context.Context, sess *Session, publisher, name, version string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Publisher: publisher,
		Name:      name,
		Version:   version,
	})
	if err != nil {
		return "", fmt.Errorf("analysis: marshal submit request: %w", err)
	}

	resp, err := c.doStep(ctx, sess, StepSubmit, &transport.Request{
		Method:      http.MethodPost,
		URL:         c.opts.BaseURL + "/api/v1/analyze",
		Body:        string(body),
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}

	var sr submitResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return "", &TerminalError{Step: StepSubmit, StatusCode: resp.StatusCode, Message: "malformed submit response"}
	}
	if sr.AnalysisID == "" {
		return "", &TerminalError{Step: StepSubmit, StatusCode: resp.StatusCode, Message: "missing analysis_id in response"}
	}
	return sr.AnalysisID, nil
}

// waitForCompletion polls the status endpoint until the service
// reports completion, the analysis fails, or the poll budget runs out.
func (c *Client) waitForCompletion(ctx context.Context, sess *Session) error {
	for poll := 0; poll < c.opts.MaxPolls; poll++ {
		resp, err := c.doStep(ctx, sess, StepPoll, &transport.Request{
			Method: http.MethodGet,
			URL:    c.opts.BaseURL + "/api/v1/status/" + sess.AnalysisID,
		})
		if err != nil {
			return err
		}

		var st statusResponse
		if err := json.Unmarshal(resp.Body, &st); err != nil {
			return &TerminalError{Step: StepPoll, StatusCode: resp.StatusCode, Message: "malformed status response"}
		}

		switch Phase(st.Phase) {
		case PhaseCompleted:
			return nil
		case PhaseFailed:
			msg := st.Error
			if msg == "" {
				msg = "analysis failed"
			}
			return &TerminalError{Step: StepPoll, Message: msg}
		}

		c.logger.Debug("analysis in progress",
			"analysis_id", sess.AnalysisID,
			"phase", st.Phase,
			"progress", st.Progress,
		)

		if err := c.sleep(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}

	return &ExhaustedError{
		Step:     StepPoll,
		Attempts: c.opts.MaxPolls,
		Last:     fmt.Errorf("analysis did not complete within %d polls", c.opts.MaxPolls),
	}
}

// fetch retrieves the final payload once polling reports completion.
func (c *Client) fetch(ctx context.Context, sess *Session) (*Result, error) {
	resp, err := c.doStep(ctx, sess, StepFetch, &transport.Request{
		Method: http.MethodGet,
		URL:    c.opts.BaseURL + "/api/v1/result/" + sess.AnalysisID,
	})
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, &TerminalError{Step: StepFetch, StatusCode: resp.StatusCode, Message: "malformed result payload"}
	}
	return &result, nil
}

// --------------------------------------------------------------------------
// Retry loop
// --------------------------------------------------------------------------

// doStep executes one protocol step under the shared bounded-retry
// policy. Transient failures (timeouts, 5xx, rate limits, open
// breaker) are retried with capped exponential backoff; other 4xx
// responses are terminal immediately.
func (c *Client) doStep(ctx context.Context, sess *Session, step Step, req *transport.Request) (*transport.Response, error) {
	req = req.Clone()
	req.Timeout = c.opts.RequestTimeout
	if c.opts.APIKey != "" {
		if req.Headers == nil {
			req.Headers = make(map[string]string, 1)
		}
		req.Headers["Authorization"] = "Bearer " + c.opts.APIKey
	}

	maxAttempts := c.opts.Retry.MaxAttempts
	var last error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		sess.Attempts = attempt + 1
		if attempt > 0 {
			sess.Retries++
		}

		resp, err := c.do(ctx, req)

		switch {
		case err == nil && resp.StatusCode < 300:
			return resp, nil

		case err == nil && !isTransientStatus(resp.StatusCode):
			return nil, &TerminalError{
				Step:       step,
				StatusCode: resp.StatusCode,
				Message:    serviceErrorMessage(resp),
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			last = err
		} else {
			last = fmt.Errorf("service returned status %d", resp.StatusCode)
		}

		if attempt == maxAttempts-1 {
			break
		}

		var serverHint int
		if resp != nil {
			serverHint = resp.RetryAfterSeconds()
		}
		delay := c.opts.Retry.Next(attempt, serverHint)
		sess.LastDelay = delay

		c.logger.Debug("retrying analysis step",
			"step", string(step),
			"attempt", sess.Attempts,
			"delay", delay,
			"error", last,
		)

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Step: step, Attempts: sess.Attempts, Last: last}
}

// do sends one request through the circuit breaker. 5xx responses
// count as breaker failures so a dead service trips fast; 429s do not,
// since rate limiting is normal service behavior.
func (c *Client) do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		resp, doErr := c.http.Do(ctx, req)
		if doErr != nil {
			return nil, doErr
		}
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("service error: status %d", resp.StatusCode)
		}
		return resp, nil
	})

	resp, _ := v.(*transport.Response)
	if err != nil {
		return resp, err
	}
	return resp, nil
}

// isTransientStatus reports whether an HTTP status should be retried.
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// serviceErrorMessage extracts the error field from a JSON error body,
// falling back to the HTTP status text.
func serviceErrorMessage(resp *transport.Response) string {
	var er errorResponse
	if err := json.Unmarshal(resp.Body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return http.StatusText(resp.StatusCode)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
