package record

import (
	"errors"
	"fmt"
	"time"
)

// Tab is an open tab on a client. LastUsed is in seconds.
type Tab struct {
	Title      string   `json:"title"`
	URLHistory []string `json:"urlHistory"`
	Icon       string   `json:"icon,omitempty"`
	LastUsed   int64    `json:"lastUsed"`
}

// LastUsedTime returns when the tab was last active.
func (t Tab) LastUsedTime() time.Time { return time.Unix(t.LastUsed, 0) }

// TabClient is the set of tabs open on one device.
type TabClient struct {
	ID         string `json:"id"`
	ClientName string `json:"clientName"`
	Tabs       []Tab  `json:"tabs"`
}

// Kind implements Payload.
func (*TabClient) Kind() Kind { return Tabs }

// RecordID implements Payload.
func (c *TabClient) RecordID() string { return c.ID }

func (*TabClient) sealed() {}

// Validate requires a client name and a URL for every tab.
func (c *TabClient) Validate() error {
	if c.ClientName == "" {
		return errors.New("missing clientName")
	}

	for i, tab := range c.Tabs {
		if len(tab.URLHistory) == 0 {
			return fmt.Errorf("tab %d: empty urlHistory", i)
		}
	}

	return nil
}
