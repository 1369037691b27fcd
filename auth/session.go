package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Credentials identify the account for a login. They are never persisted.
type Credentials struct {
	Account string

	// Secret is the account password or an OAuth refresh token, depending
	// on the strategy.
	Secret string

	// OTP is the current two-factor code, if the account uses one.
	OTP string

	// SyncKey and KeyID are required by strategies that cannot fetch the
	// account keys themselves.
	SyncKey []byte
	KeyID   string
}

// Session is the long lived login state. It lets Refresh obtain new
// SyncTokens without the credentials.
type Session struct {
	Account      string `json:"account"`
	UID          string `json:"uid,omitempty"`
	SessionToken string `json:"session_token,omitempty"` // hex
	RefreshToken string `json:"refresh_token"`

	AccessToken  string    `json:"access_token,omitempty"`
	AccessExpiry time.Time `json:"access_expiry"`

	// MasterKey is kB, the root of the sync encryption keys.
	MasterKey []byte `json:"master_key"`
	KeyID     string `json:"key_id"`

	Strategy  string    `json:"strategy"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Session) oauthToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
		Expiry:       s.AccessExpiry,
	}
}

func (s *Session) setOAuthToken(token *oauth2.Token) {
	s.AccessToken = token.AccessToken
	s.AccessExpiry = token.Expiry

	if token.RefreshToken != "" {
		s.RefreshToken = token.RefreshToken
	}
}

// KeyID builds the X-KeyID header value for a master key: the key rotation
// timestamp and the first 16 bytes of its SHA-256, base64url encoded.
func KeyID(masterKey []byte, rotatedAt int64) string {
	sum := sha256.Sum256(masterKey)

	return strconv.FormatInt(rotatedAt, 10) + "-" + base64.RawURLEncoding.EncodeToString(sum[:16])
}
