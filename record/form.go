package record

import "errors"

// FormEntry is a remembered form field value.
type FormEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Kind implements Payload.
func (*FormEntry) Kind() Kind { return Forms }

// RecordID implements Payload.
func (f *FormEntry) RecordID() string { return f.ID }

func (*FormEntry) sealed() {}

// Validate requires a field name.
func (f *FormEntry) Validate() error {
	if f.Name == "" {
		return errors.New("missing name")
	}

	return nil
}
