// Package transport provides the HTTP transport abstraction layer
// used by the remote analysis client.
package transport

import "time"

// Request represents an HTTP request to be sent by the transport client.
type Request struct {
	// Method is the HTTP method (GET, POST, PUT, etc.).
	Method string

	// URL is the target URL.
	URL string

	// Headers contains custom HTTP headers to include.
	Headers map[string]string

	// Body is the request body content.
	Body string

	// ContentType is the Content-Type header value.
	ContentType string

	// Timeout overrides the client-level timeout for this specific
	// request. Zero means use the client default.
	Timeout time.Duration
}

// Clone returns a deep copy of the Request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}

	clone := &Request{
		Method:      r.Method,
		URL:         r.URL,
		Body:        r.Body,
		ContentType: r.ContentType,
		Timeout:     r.Timeout,
	}

	if r.Headers != nil {
		clone.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			clone.Headers[k] = v
		}
	}

	return clone
}
