// Package record maps decrypted Sync payloads to typed records. The set of
// kinds is closed and selected by collection name.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names a supported collection.
type Kind string

// Supported collections.
const (
	Bookmarks Kind = "bookmarks"
	Passwords Kind = "passwords"
	History   Kind = "history"
	Tabs      Kind = "tabs"
	Forms     Kind = "forms"
)

var (
	// ErrSchema is returned when a payload decrypts but is not a valid record.
	ErrSchema = errors.New("record schema violation")

	// ErrUnknownCollection is returned for collections without a record kind.
	ErrUnknownCollection = errors.New("unknown collection")
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{Bookmarks, Passwords, History, Tabs, Forms}
}

// ParseKind resolves a collection name.
func ParseKind(collection string) (Kind, error) {
	for _, kind := range Kinds() {
		if string(kind) == collection {
			return kind, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
}

// Payload is one of *Bookmark, *Login, *HistoryEntry, *TabClient or
// *FormEntry.
type Payload interface {
	Kind() Kind
	RecordID() string
	Validate() error

	sealed()
}

func (k Kind) newPayload() Payload {
	switch k {
	case Bookmarks:
		return &Bookmark{}
	case Passwords:
		return &Login{}
	case History:
		return &HistoryEntry{}
	case Tabs:
		return &TabClient{}
	case Forms:
		return &FormEntry{}
	}

	return nil
}

// Record is a decrypted BSO. Payload is nil for deletions.
type Record struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Modified time.Time `json:"modified"`
	Deleted  bool      `json:"deleted,omitempty"`
	Payload  Payload   `json:"payload,omitempty"`
}

// New wraps a payload in a record for its kind.
func New(payload Payload) Record {
	return Record{ID: payload.RecordID(), Kind: payload.Kind(), Payload: payload}
}

// Tombstone builds a deletion marker.
func Tombstone(kind Kind, id string) Record {
	return Record{ID: id, Kind: kind, Deleted: true}
}

// tombstone is the wire form of a deleted record.
type tombstone struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// Decode parses and validates the plaintext of a BSO from collection.
func Decode(collection string, plaintext []byte) (Record, error) {
	kind, err := ParseKind(collection)
	if err != nil {
		return Record{}, err
	}

	var head tombstone
	if err := json.Unmarshal(plaintext, &head); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %w", ErrSchema, kind, err)
	}

	if head.ID == "" {
		return Record{}, fmt.Errorf("%w: %s: missing id", ErrSchema, kind)
	}

	if head.Deleted {
		return Tombstone(kind, head.ID), nil
	}

	payload := kind.newPayload()
	if err := json.Unmarshal(plaintext, payload); err != nil {
		return Record{}, fmt.Errorf("%w: %s %s: %w", ErrSchema, kind, head.ID, err)
	}

	if err := payload.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %s %s: %w", ErrSchema, kind, head.ID, err)
	}

	return Record{ID: head.ID, Kind: kind, Payload: payload}, nil
}

// Encode renders the plaintext for a record, validating it first.
func Encode(rec Record) ([]byte, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrSchema)
	}

	if rec.Deleted {
		return marshal(tombstone{ID: rec.ID, Deleted: true})
	}

	if rec.Payload == nil {
		return nil, fmt.Errorf("%w: %s %s: no payload", ErrSchema, rec.Kind, rec.ID)
	}

	if rec.Payload.Kind() != rec.Kind {
		return nil, fmt.Errorf("%w: %s payload in %s record", ErrSchema, rec.Payload.Kind(), rec.Kind)
	}

	if rec.Payload.RecordID() != rec.ID {
		return nil, fmt.Errorf("%w: payload id %q does not match %q", ErrSchema, rec.Payload.RecordID(), rec.ID)
	}

	if err := rec.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrSchema, rec.Kind, rec.ID, err)
	}

	return marshal(rec.Payload)
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	return data, nil
}

// millis converts an optional Unix millisecond timestamp.
func millis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}

	t := time.UnixMilli(ms)

	return &t
}
