// Package auth turns Firefox Accounts credentials into Sync storage tokens
// and keeps them fresh.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/metrics"
	"github.com/jkoelker/ffsclient/tracing"
)

// Options configures a Client.
type Options struct {
	AuthServerURL  string
	TokenServerURL string // full sync token endpoint
	ClientID       string
	HTTPClient     *http.Client

	// OnSession is called whenever the session changes, e.g. to persist it.
	OnSession func(ctx context.Context, session *Session) error
}

// Client authenticates an account and refreshes its SyncTokens.
type Client struct {
	fxa        *FxAClient
	tokens     *TokenServerClient
	oauth      *oauth2.Config
	httpClient *http.Client
	clientID   string
	strategy   Strategy
	onSession  func(ctx context.Context, session *Session) error

	// exchange serializes token exchanges; mu guards session.
	exchange sync.Mutex
	mu       sync.RWMutex
	session  *Session
}

// NewClient creates a Client logging in with strategy.
func NewClient(opts Options, strategy Strategy) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if strategy == nil {
		strategy = PasswordStrategy{}
	}

	return &Client{
		fxa:        NewFxAClient(opts.AuthServerURL, httpClient),
		tokens:     NewTokenServerClient(opts.TokenServerURL, httpClient),
		oauth:      NewOAuthConfig(opts.AuthServerURL, opts.ClientID),
		httpClient: httpClient,
		clientID:   opts.ClientID,
		strategy:   strategy,
		onSession:  opts.OnSession,
	}
}

// NewOAuthConfig returns the refresh token grant configuration of the auth
// server.
func NewOAuthConfig(authServerURL, clientID string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(authServerURL, "/") + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{SyncScope},
	}
}

// FxA returns the auth server client.
func (c *Client) FxA() *FxAClient {
	return c.fxa
}

// Authenticate logs in and returns the first SyncToken.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*SyncToken, error) {
	ctx, span := tracing.StartSpan(ctx, "auth.authenticate")
	defer span.End()

	ctx = log.WithValues(ctx, "strategy", c.strategy.Name())

	session, err := c.strategy.Login(ctx, c, creds)
	if err != nil {
		tracing.SetError(ctx, err)

		return nil, err
	}

	session.Strategy = c.strategy.Name()
	c.Restore(session)

	if c.onSession != nil {
		if err := c.onSession(ctx, session); err != nil {
			return nil, fmt.Errorf("failed to save session: %w", err)
		}
	}

	log.Info(ctx, "Logged in", "account", session.Account, "uid", session.UID)

	token, err := c.Refresh(ctx, nil)
	if err != nil {
		tracing.SetError(ctx, err)

		return nil, err
	}

	tracing.SetOK(ctx)

	return token, nil
}

// Restore installs a previously persisted session.
func (c *Client) Restore(session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = session
}

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return nil
	}

	session := *c.session

	return &session
}

// Refresh obtains a new SyncToken from the cached session. It never needs
// the credentials or a two-factor code; ErrReauthRequired means the
// session itself is dead.
func (c *Client) Refresh(ctx context.Context, _ *SyncToken) (*SyncToken, error) {
	ctx, span := tracing.StartSpan(ctx, "auth.refresh")
	defer span.End()

	c.exchange.Lock()
	defer c.exchange.Unlock()

	session := c.Session()
	if session == nil {
		return nil, ErrNoSession
	}

	token, refreshed, err := c.exchangeToken(ctx, session, false)
	if errors.Is(err, ErrReauthRequired) && !refreshed {
		// The token server rejected an access token that looked valid.
		log.Debug(ctx, "Access token rejected, forcing a refresh")

		token, _, err = c.exchangeToken(ctx, session, true)
	}

	if err != nil {
		metrics.RecordTokenRefresh(ctx, "failure")
		tracing.SetError(ctx, err)

		return nil, err
	}

	metrics.RecordTokenRefresh(ctx, "success")
	tracing.SetOK(ctx)

	log.Debug(ctx, "Obtained sync token", "endpoint", token.Endpoint, "token_expires_at", token.ExpiresAt)

	return token, nil
}

// exchangeToken reports whether it went through an OAuth refresh, even a
// failed one.
func (c *Client) exchangeToken(ctx context.Context, session *Session, force bool) (*SyncToken, bool, error) {
	current := session.oauthToken()
	if force {
		current.AccessToken = ""
	}

	if current.Valid() {
		token, err := c.tokens.Exchange(ctx, session.AccessToken, session.KeyID)

		return token, false, err
	}

	if err := c.refreshAccessToken(ctx, session, current); err != nil {
		return nil, true, err
	}

	c.Restore(session)

	if c.onSession != nil {
		if err := c.onSession(ctx, session); err != nil {
			return nil, true, fmt.Errorf("failed to save session: %w", err)
		}
	}

	token, err := c.tokens.Exchange(ctx, session.AccessToken, session.KeyID)

	return token, true, err
}

// refreshAccessToken runs the OAuth refresh token grant.
func (c *Client) refreshAccessToken(ctx context.Context, session *Session, current *oauth2.Token) error {
	if current.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrReauthRequired)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	fresh, err := c.oauth.TokenSource(ctx, current).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode < http.StatusInternalServerError {
			return fmt.Errorf("%w: refresh token rejected: %s", ErrReauthRequired, retrieveErr.ErrorCode)
		}

		return fmt.Errorf("%w: oauth refresh: %w", ErrUnavailable, err)
	}

	session.setOAuthToken(fresh)

	return nil
}

// Status checks the session against the auth server.
func (c *Client) Status(ctx context.Context) error {
	session := c.Session()
	if session == nil {
		return ErrNoSession
	}

	if session.SessionToken == "" {
		return nil
	}

	token, err := hex.DecodeString(session.SessionToken)
	if err != nil {
		return fmt.Errorf("invalid session token: %w", err)
	}

	return c.fxa.SessionStatus(ctx, token)
}

// Logout revokes the refresh token and destroys the session on the
// server. Server errors are logged, the local session is dropped anyway.
func (c *Client) Logout(ctx context.Context) {
	session := c.Session()
	if session == nil {
		return
	}

	if session.RefreshToken != "" {
		if err := c.fxa.RevokeToken(ctx, c.clientID, session.RefreshToken); err != nil {
			log.Warn(ctx, "Failed to revoke refresh token", "error", err)
		}
	}

	if token, err := hex.DecodeString(session.SessionToken); err == nil && len(token) > 0 {
		if err := c.fxa.DestroySession(ctx, token); err != nil {
			log.Warn(ctx, "Failed to destroy session", "error", err)
		}
	}

	c.Restore(nil)
}
