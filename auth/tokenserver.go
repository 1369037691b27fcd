package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// defaultTokenDuration applies when the token server omits a duration.
const defaultTokenDuration = 5 * time.Minute

// TokenServerClient exchanges OAuth access tokens for SyncTokens.
type TokenServerClient struct {
	url        string
	httpClient *http.Client
}

// NewTokenServerClient creates a client for the full sync token endpoint,
// e.g. https://token.services.mozilla.com/1.0/sync/1.5.
func NewTokenServerClient(url string, httpClient *http.Client) *TokenServerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &TokenServerClient{url: url, httpClient: httpClient}
}

// Exchange trades an access token for storage credentials.
func (c *TokenServerClient) Exchange(ctx context.Context, accessToken, keyID string) (*SyncToken, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+accessToken)
	headers.Set("X-KeyID", keyID)

	var token SyncToken
	if err := doJSON(ctx, c.httpClient, request{
		server:  serverToken,
		method:  http.MethodGet,
		url:     c.url,
		headers: headers,
	}, &token); err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	if token.ID == "" || token.Endpoint == "" {
		return nil, fmt.Errorf("%w: token server response is missing id or endpoint", ErrUnavailable)
	}

	duration := time.Duration(token.Duration) * time.Second
	if duration <= 0 {
		duration = defaultTokenDuration
	}

	token.ExpiresAt = time.Now().Add(duration)

	return &token, nil
}
