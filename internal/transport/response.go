package transport

import (
	"net/http"
	"strconv"
	"time"
)

// Response represents an HTTP response received from the transport client.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Headers contains the response headers.
	Headers http.Header

	// Body is the raw response body.
	Body []byte

	// Duration is the precise round-trip time for the request.
	Duration time.Duration

	// URL is the final URL after any redirects.
	URL string
}

// BodyString returns the response body as a string.
func (r *Response) BodyString() string {
	return string(r.Body)
}

// RetryAfterSeconds returns the value of the Retry-After header in
// seconds, or 0 if the header is absent or unparseable. Only the
// delta-seconds form is supported; HTTP-date values are ignored.
func (r *Response) RetryAfterSeconds() int {
	v := r.Headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}
