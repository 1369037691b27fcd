package log

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request id on outbound calls.
const RequestIDHeader = "X-Request-ID"

// Transport logs every outbound request at debug level.
type Transport struct {
	// Base is the wrapped round tripper; http.DefaultTransport when nil.
	Base http.RoundTripper
}

// NewTransport wraps base with request logging.
func NewTransport(base http.RoundTripper) *Transport {
	return &Transport{Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()

		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set(RequestIDHeader, requestID)
	}

	ctx := req.Context()
	start := time.Now()

	resp, err := base.RoundTrip(req)
	if err != nil {
		Debug(ctx, "HTTP request failed",
			"request_id", requestID,
			"method", req.Method,
			"host", req.URL.Host,
			"path", req.URL.Path,
			"duration", time.Since(start),
			"error", err.Error(),
		)

		return nil, err //nolint:wrapcheck // RoundTrippers return transport errors untouched
	}

	Debug(ctx, "HTTP request completed",
		"request_id", requestID,
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
		"status_code", resp.StatusCode,
		"duration", time.Since(start),
	)

	return resp, nil
}
