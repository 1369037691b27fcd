package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/crypt"
	"github.com/jkoelker/ffsclient/record"
)

// Mode selects how much of a collection a run fetches.
type Mode int

const (
	// Incremental fetches BSOs modified after the committed mark.
	Incremental Mode = iota

	// Full fetches the whole collection.
	Full
)

// ErrInvalidMode is returned by ParseMode.
var ErrInvalidMode = errors.New("invalid sync mode")

func (m Mode) String() string {
	if m == Full {
		return "full"
	}

	return "incremental"
}

// ParseMode parses "incremental" or "full".
func ParseMode(value string) (Mode, error) {
	switch value {
	case "", "incremental":
		return Incremental, nil
	case "full":
		return Full, nil
	}

	return Incremental, fmt.Errorf("%w: %q", ErrInvalidMode, value)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// State is the stage of a sync run.
type State int

// Run stages. Completed and Failed are terminal.
const (
	Idle State = iota
	Authenticating
	Reauthenticating
	Fetching
	Decrypting
	Completed
	Failed
)

var stateNames = map[State]string{ //nolint:gochecknoglobals // Read-only lookup table
	Idle:             "idle",
	Authenticating:   "authenticating",
	Reauthenticating: "reauthenticating",
	Fetching:         "fetching",
	Decrypting:       "decrypting",
	Completed:        "completed",
	Failed:           "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition follows.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// ErrorKind classifies why a run failed or a record was skipped.
type ErrorKind string

// Error kinds.
const (
	KindNone        ErrorKind = ""
	KindAuth        ErrorKind = "auth"
	KindAuthExpired ErrorKind = "auth_expired"
	KindNetwork     ErrorKind = "network"
	KindRateLimited ErrorKind = "rate_limited"
	KindConflict    ErrorKind = "conflict"
	KindNotFound    ErrorKind = "not_found"
	KindIntegrity   ErrorKind = "integrity"
	KindMalformed   ErrorKind = "malformed"
	KindSchema      ErrorKind = "schema"
	KindUnsupported ErrorKind = "unsupported"
	KindCanceled    ErrorKind = "canceled"
	KindInternal    ErrorKind = "internal"
)

// Classify maps an error from any layer to its kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, api.ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, auth.ErrAuth), errors.Is(err, auth.ErrNoSession), errors.Is(err, auth.ErrTokenExpired):
		return KindAuth
	case errors.Is(err, api.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, api.ErrConflict):
		return KindConflict
	case errors.Is(err, api.ErrNotFound), errors.Is(err, ErrNoKeys):
		return KindNotFound
	case errors.Is(err, crypt.ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, crypt.ErrMalformed), errors.Is(err, crypt.ErrInvalidKey):
		return KindMalformed
	case errors.Is(err, record.ErrSchema):
		return KindSchema
	case errors.Is(err, record.ErrUnknownCollection):
		return KindUnsupported
	case errors.Is(err, api.ErrNetwork), errors.Is(err, auth.ErrUnavailable):
		return KindNetwork
	}

	return KindInternal
}

// Transition is reported to the Observer on every state change of a run.
type Transition struct {
	RunID      string
	Collection string
	From       State
	To         State
	Kind       ErrorKind
	At         time.Time
}

// Observer receives the transitions of every run. It is called from the
// goroutine running the sync and must not block.
type Observer func(ctx context.Context, transition Transition)
