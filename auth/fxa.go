package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/jkoelker/ffsclient/kdf"
)

const (
	// SyncScope is the OAuth scope granting access to Sync data.
	SyncScope = "https://identity.mozilla.com/apps/oldsync"

	// verificationTOTP is the login verification method of accounts with
	// two-factor authentication.
	verificationTOTP = "totp-2fa"

	tokenTypeSession  = "sessionToken"
	tokenTypeKeyFetch = "keyFetchToken"

	keysNamespace = "account/keys"
)

// FxAClient talks to the Firefox Accounts auth server.
type FxAClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFxAClient creates an auth server client. baseURL includes the /v1
// prefix.
func NewFxAClient(baseURL string, httpClient *http.Client) *FxAClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &FxAClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// LoginResult is the auth server's answer to a password login.
type LoginResult struct {
	UID                string `json:"uid"`
	SessionToken       string `json:"sessionToken"`
	KeyFetchToken      string `json:"keyFetchToken"`
	Verified           bool   `json:"verified"`
	VerificationMethod string `json:"verificationMethod"`
}

// NeedsTOTP reports whether the session must be verified with a TOTP code.
func (r *LoginResult) NeedsTOTP() bool {
	return !r.Verified && r.VerificationMethod == verificationTOTP
}

func (c *FxAClient) call(ctx context.Context, method, path string, hawk *Hawk, body, out any) error {
	return doJSON(ctx, c.httpClient, request{
		server: serverAuth,
		method: method,
		url:    c.baseURL + path,
		body:   body,
		hawk:   hawk,
	}, out)
}

func (c *FxAClient) sessionCall(ctx context.Context, method, path string, sessionToken []byte, body, out any) error {
	hawk, _, err := TokenHawk(sessionToken, tokenTypeSession)
	if err != nil {
		return err
	}

	return c.call(ctx, method, path, &hawk, body, out)
}

// Login starts a session with the stretched password.
func (c *FxAClient) Login(ctx context.Context, email string, authPW []byte) (*LoginResult, error) {
	body := map[string]string{
		"email":  email,
		"authPW": hex.EncodeToString(authPW),
		"reason": "login",
	}

	var result LoginResult
	if err := c.call(ctx, http.MethodPost, "/account/login?keys=true", nil, body, &result); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	if result.SessionToken == "" {
		return nil, fmt.Errorf("%w: login returned no session token", ErrBadCredentials)
	}

	return &result, nil
}

// VerifyTOTP confirms a session with a two-factor code.
func (c *FxAClient) VerifyTOTP(ctx context.Context, sessionToken []byte, code string) error {
	var result struct {
		Success bool `json:"success"`
	}

	body := map[string]string{"code": code, "service": "sync"}
	if err := c.sessionCall(ctx, http.MethodPost, "/session/verify_totp", sessionToken, body, &result); err != nil {
		return fmt.Errorf("totp verification failed: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("%w: totp code rejected", ErrBadCredentials)
	}

	return nil
}

// AccountKeys fetches and unwraps kB.
func (c *FxAClient) AccountKeys(ctx context.Context, keyFetchToken, stretchedPW []byte) ([]byte, error) {
	hawk, bundleKey, err := TokenHawk(keyFetchToken, tokenTypeKeyFetch)
	if err != nil {
		return nil, err
	}

	var result struct {
		Bundle string `json:"bundle"`
	}

	if err := c.call(ctx, http.MethodGet, "/account/keys", &hawk, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch account keys: %w", err)
	}

	bundle, err := hex.DecodeString(result.Bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key bundle: %w", err)
	}

	keys, err := unbundle(keysNamespace, bundleKey, bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to unbundle account keys: %w", err)
	}

	if len(keys) != 2*kdf.KeySize {
		return nil, fmt.Errorf("unexpected account key length %d", len(keys))
	}

	unwrapKey, err := kdf.Expand(stretchedPW, "unwrapBkey", kdf.KeySize)
	if err != nil {
		return nil, err
	}

	return kdf.XOR(keys[kdf.KeySize:], unwrapKey)
}

// KeyRotationTimestamp returns when the scoped key for scope last changed.
func (c *FxAClient) KeyRotationTimestamp(ctx context.Context, sessionToken []byte, clientID, scope string) (int64, error) {
	var result map[string]struct {
		KeyRotationTimestamp int64 `json:"keyRotationTimestamp"`
	}

	body := map[string]string{"client_id": clientID, "scope": scope}
	if err := c.sessionCall(ctx, http.MethodPost, "/account/scoped-key-data", sessionToken, body, &result); err != nil {
		return 0, fmt.Errorf("failed to fetch scoped key data: %w", err)
	}

	data, ok := result[scope]
	if !ok {
		return 0, fmt.Errorf("%w: no key data for scope %s", ErrUnsupportedStrategy, scope)
	}

	return data.KeyRotationTimestamp, nil
}

// OAuthToken trades the session for an offline OAuth token.
func (c *FxAClient) OAuthToken(ctx context.Context, sessionToken []byte, clientID, scope string) (*oauth2.Token, error) {
	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}

	body := map[string]string{
		"grant_type":  "fxa-credentials",
		"client_id":   clientID,
		"scope":       scope,
		"access_type": "offline",
	}

	if err := c.sessionCall(ctx, http.MethodPost, "/oauth/token", sessionToken, body, &result); err != nil {
		return nil, fmt.Errorf("failed to obtain oauth token: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}

// SessionStatus checks that a session token is still alive.
func (c *FxAClient) SessionStatus(ctx context.Context, sessionToken []byte) error {
	return c.sessionCall(ctx, http.MethodGet, "/session/status", sessionToken, nil, nil)
}

// DestroySession ends a session.
func (c *FxAClient) DestroySession(ctx context.Context, sessionToken []byte) error {
	return c.sessionCall(ctx, http.MethodPost, "/session/destroy", sessionToken, map[string]string{}, nil)
}

// RevokeToken destroys an OAuth token.
func (c *FxAClient) RevokeToken(ctx context.Context, clientID, token string) error {
	body := map[string]string{"client_id": clientID, "token": token}

	return c.call(ctx, http.MethodPost, "/oauth/destroy", nil, body, nil)
}
