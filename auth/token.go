package auth

import (
	"fmt"
	"net/http"
	"time"
)

// expiryDelta is how early a SyncToken is treated as expired so that a
// request started just before expiry still gets through.
const expiryDelta = 30 * time.Second

// hawkSHA256 is the only Hawk algorithm the token server hands out.
const hawkSHA256 = "sha256"

// SyncToken is a storage server credential from the token server.
type SyncToken struct {
	ID        string    `json:"id"`
	Key       string    `json:"key,omitempty"`
	UID       int64     `json:"uid"`
	Endpoint  string    `json:"api_endpoint"`
	HashAlg   string    `json:"hashalg,omitempty"`
	Duration  int64     `json:"duration"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is at or near its expiry.
func (t *SyncToken) Expired() bool {
	return t == nil || !time.Now().Add(expiryDelta).Before(t.ExpiresAt)
}

// Valid reports whether the token can be used for a request.
func (t *SyncToken) Valid() bool {
	return t != nil && t.ID != "" && t.Endpoint != "" && !t.Expired()
}

// Authorize signs req for the storage server. Tokens carrying a Hawk key
// sign with Hawk, others are sent as bearer tokens.
func (t *SyncToken) Authorize(req *http.Request, body []byte) error {
	if !t.Valid() {
		return ErrTokenExpired
	}

	if t.Key != "" {
		if t.HashAlg != "" && t.HashAlg != hawkSHA256 {
			return fmt.Errorf("%w: hawk algorithm %q", ErrUnsupportedStrategy, t.HashAlg)
		}

		return Hawk{ID: t.ID, Key: []byte(t.Key)}.Sign(req, body)
	}

	req.Header.Set("Authorization", "Bearer "+t.ID)

	return nil
}
