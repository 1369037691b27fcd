package engine

import (
	"time"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/record"
)

// Deletion is a record deleted on another client.
type Deletion struct {
	ID       string    `json:"id"`
	Modified time.Time `json:"modified"`
}

// Warning is a BSO that was skipped without failing the run.
type Warning struct {
	ID      string    `json:"id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// SyncResult is the outcome of one run over a collection.
type SyncResult struct {
	RunID      string `json:"run_id"`
	Collection string `json:"collection"`
	Mode       Mode   `json:"mode"`
	State      State  `json:"state"`

	// Failure is set when State is Failed.
	Failure ErrorKind `json:"failure,omitempty"`

	Records   []record.Record `json:"records"`
	Deletions []Deletion      `json:"deletions"`
	Warnings  []Warning       `json:"warnings"`

	// PreviousMark is the committed mark the run started from. Mark is the
	// committed mark after the run, unchanged unless it Completed.
	PreviousMark api.Timestamp `json:"previous_mark"`
	Mark         api.Timestamp `json:"mark"`

	Pages   int `json:"pages"`
	Fetched int `json:"fetched"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Skipped counts warnings of kind.
func (r *SyncResult) Skipped(kind ErrorKind) int {
	count := 0

	for _, warning := range r.Warnings {
		if warning.Kind == kind {
			count++
		}
	}

	return count
}

// Duration is how long the run took.
func (r *SyncResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
