package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrAuth is the root of every authentication failure.
var ErrAuth = errors.New("authentication failed")

// Authentication failures. All of them match ErrAuth.
var (
	ErrBadCredentials       = fmt.Errorf("%w: bad credentials", ErrAuth)
	ErrTwoFactorRequired    = fmt.Errorf("%w: two-factor code required", ErrAuth)
	ErrVerificationRequired = fmt.Errorf("%w: login must be confirmed", ErrAuth)
	ErrReauthRequired       = fmt.Errorf("%w: session expired, log in again", ErrAuth)
)

var (
	// ErrNoSession is returned by Refresh before Authenticate or Restore.
	ErrNoSession = errors.New("no session")

	// ErrUnsupportedStrategy is returned when credentials do not fit the
	// configured strategy.
	ErrUnsupportedStrategy = errors.New("unsupported authentication strategy")

	// ErrUnavailable is returned when an auth or token server keeps failing.
	ErrUnavailable = errors.New("auth service unavailable")

	// ErrTokenExpired is returned when an expired SyncToken is used.
	ErrTokenExpired = errors.New("sync token expired")
)

// Firefox Accounts errno values.
const (
	errnoAccountUnknown    = 102
	errnoIncorrectPassword = 103
	errnoUnverifiedAccount = 104
	errnoInvalidToken      = 110
	errnoUnverifiedSession = 138
	errnoInvalidTOTP       = 183
)

// ServerError is a non-2xx response from the auth or token server.
type ServerError struct {
	Server     string
	Status     int
	Errno      int
	Message    string
	RetryAfter time.Duration
}

func (e *ServerError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s returned %d (errno %d): %s", e.Server, e.Status, e.Errno, e.Message)
	}

	return fmt.Sprintf("%s returned %d: %s", e.Server, e.Status, e.Message)
}

// Unwrap maps the response to the matching sentinel.
func (e *ServerError) Unwrap() error {
	switch e.Errno {
	case errnoAccountUnknown, errnoIncorrectPassword, errnoInvalidTOTP:
		return ErrBadCredentials
	case errnoUnverifiedAccount, errnoUnverifiedSession:
		return ErrVerificationRequired
	case errnoInvalidToken:
		return ErrReauthRequired
	}

	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrReauthRequired
	case e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError:
		return ErrUnavailable
	}

	return nil
}
