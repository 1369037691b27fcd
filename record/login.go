package record

import (
	"errors"
	"time"
)

// Login is a saved password from the passwords collection.
type Login struct {
	ID            string  `json:"id"`
	Hostname      string  `json:"hostname"`
	FormSubmitURL string  `json:"formSubmitURL"`
	HTTPRealm     *string `json:"httpRealm,omitempty"`
	Username      string  `json:"username"`
	Password      string  `json:"password"`
	UsernameField string  `json:"usernameField"`
	PasswordField string  `json:"passwordField"`

	TimeCreated         int64 `json:"timeCreated,omitempty"`         // ms
	TimePasswordChanged int64 `json:"timePasswordChanged,omitempty"` // ms
	TimeLastUsed        int64 `json:"timeLastUsed,omitempty"`        // ms
	TimesUsed           int64 `json:"timesUsed,omitempty"`
}

// Kind implements Payload.
func (*Login) Kind() Kind { return Passwords }

// RecordID implements Payload.
func (l *Login) RecordID() string { return l.ID }

func (*Login) sealed() {}

// Created returns when the login was first saved, if known.
func (l *Login) Created() *time.Time { return millis(l.TimeCreated) }

// LastUsed returns when the login was last filled, if known.
func (l *Login) LastUsed() *time.Time { return millis(l.TimeLastUsed) }

// Validate requires an origin and a password.
func (l *Login) Validate() error {
	if l.Hostname == "" {
		return errors.New("missing hostname")
	}

	if l.Password == "" {
		return errors.New("missing password")
	}

	return nil
}
