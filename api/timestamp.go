package api

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a storage server timestamp in milliseconds. On the wire it is
// a decimal number of seconds.
type Timestamp int64

// ParseTimestamp parses a decimal seconds value such as "1700000000.12".
func ParseTimestamp(value string) (Timestamp, error) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || seconds < 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return 0, fmt.Errorf("%w: invalid timestamp %q", ErrBadResponse, value)
	}

	return Timestamp(math.Round(seconds * 1000)), nil
}

// String formats the timestamp as the server does, with two decimals.
func (t Timestamp) String() string {
	return strconv.FormatFloat(float64(t)/1000, 'f', 2, 64)
}

// Time converts to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// MarshalJSON writes decimal seconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON reads decimal seconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = 0

		return nil
	}

	parsed, err := ParseTimestamp(string(data))
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}
