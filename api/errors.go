package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrAuthExpired is returned when the storage server rejects a freshly
	// refreshed token, or the refresh itself failed.
	ErrAuthExpired = errors.New("storage authorization expired")

	// ErrNetwork is returned for transport failures that outlasted the
	// retry budget.
	ErrNetwork = errors.New("network error")

	// ErrConflict is returned when a write or paged read raced another
	// client.
	ErrConflict = errors.New("collection modified concurrently")

	// ErrRateLimited is returned when the server kept asking to slow down.
	ErrRateLimited = errors.New("rate limited by storage server")

	// ErrNotFound is returned for missing records and collections.
	ErrNotFound = errors.New("not found")

	// ErrServer is returned for 5xx responses that outlasted the retry
	// budget. It is a transient failure and matches ErrNetwork.
	ErrServer = fmt.Errorf("%w: storage server error", ErrNetwork)

	// ErrBadResponse is returned when a response cannot be decoded.
	ErrBadResponse = errors.New("bad storage server response")
)

// HTTPError is a non-2xx storage server response.
type HTTPError struct {
	Method     string
	Path       string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Body)
	}

	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// Unwrap maps the status to a sentinel.
func (e *HTTPError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrAuthExpired
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusConflict || e.Status == http.StatusPreconditionFailed:
		return ErrConflict
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status >= http.StatusInternalServerError:
		if e.Status == http.StatusServiceUnavailable && e.RetryAfter > 0 {
			return ErrRateLimited
		}

		return ErrServer
	}

	return nil
}

// retryable reports whether the request may succeed when repeated.
func (e *HTTPError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}
