package record

import (
	"errors"
	"fmt"
	"time"
)

// TransitionType is how a page visit came about.
type TransitionType int

// Visit transition types.
const (
	TransitionLink TransitionType = iota + 1
	TransitionTyped
	TransitionBookmark
	TransitionEmbed
	TransitionRedirectPermanent
	TransitionRedirectTemporary
	TransitionDownload
	TransitionFramedLink
	TransitionReload
)

// Visit is a single page visit. Date is in microseconds.
type Visit struct {
	Type TransitionType `json:"type"`
	Date int64          `json:"date"`
}

// Time returns the visit time.
func (v Visit) Time() time.Time { return time.UnixMicro(v.Date) }

// HistoryEntry is a visited URL and its recent visits.
type HistoryEntry struct {
	ID     string  `json:"id"`
	URI    string  `json:"histUri"`
	Title  string  `json:"title"`
	Visits []Visit `json:"visits"`
}

// Kind implements Payload.
func (*HistoryEntry) Kind() Kind { return History }

// RecordID implements Payload.
func (h *HistoryEntry) RecordID() string { return h.ID }

func (*HistoryEntry) sealed() {}

// LastVisit returns the most recent visit time, zero without visits.
func (h *HistoryEntry) LastVisit() time.Time {
	var last time.Time

	for _, visit := range h.Visits {
		if t := visit.Time(); t.After(last) {
			last = t
		}
	}

	return last
}

// Validate requires a URI and well formed visits.
func (h *HistoryEntry) Validate() error {
	if h.URI == "" {
		return errors.New("missing histUri")
	}

	for i, visit := range h.Visits {
		if visit.Type < TransitionLink || visit.Type > TransitionReload {
			return fmt.Errorf("visit %d: unknown transition type %d", i, visit.Type)
		}

		if visit.Date <= 0 {
			return fmt.Errorf("visit %d: missing date", i)
		}
	}

	return nil
}
