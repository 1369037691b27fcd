package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jkoelker/ffsclient/kdf"
	"github.com/jkoelker/ffsclient/log"
)

// Strategy turns credentials into a Session.
type Strategy interface {
	Name() string
	Login(ctx context.Context, client *Client, creds Credentials) (*Session, error)
}

// PasswordStrategy logs in with the account email and password, verifying
// a TOTP code when the account requires one.
type PasswordStrategy struct{}

// Name implements Strategy.
func (PasswordStrategy) Name() string { return "password" }

// Login implements Strategy.
func (PasswordStrategy) Login(ctx context.Context, client *Client, creds Credentials) (*Session, error) {
	if creds.Account == "" || creds.Secret == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrBadCredentials)
	}

	stretched, err := kdf.QuickStretch(creds.Account, creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to stretch password: %w", err)
	}

	authPW, err := kdf.Expand(stretched, "authPW", kdf.KeySize)
	if err != nil {
		return nil, err
	}

	result, err := client.fxa.Login(ctx, creds.Account, authPW)
	if err != nil {
		return nil, err
	}

	sessionToken, err := hex.DecodeString(result.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}

	keyFetchToken, err := hex.DecodeString(result.KeyFetchToken)
	if err != nil {
		return nil, fmt.Errorf("invalid key fetch token: %w", err)
	}

	switch {
	case result.Verified:
	case result.NeedsTOTP():
		if creds.OTP == "" {
			return nil, ErrTwoFactorRequired
		}

		if err := client.fxa.VerifyTOTP(ctx, sessionToken, creds.OTP); err != nil {
			return nil, err
		}

		log.Debug(ctx, "Verified session with TOTP", "uid", result.UID)
	default:
		return nil, fmt.Errorf("%w: confirm the login via %s", ErrVerificationRequired, result.VerificationMethod)
	}

	masterKey, err := client.fxa.AccountKeys(ctx, keyFetchToken, stretched)
	if err != nil {
		return nil, err
	}

	rotatedAt, err := client.fxa.KeyRotationTimestamp(ctx, sessionToken, client.clientID, SyncScope)
	if err != nil {
		return nil, err
	}

	oauthToken, err := client.fxa.OAuthToken(ctx, sessionToken, client.clientID, SyncScope)
	if err != nil {
		return nil, err
	}

	session := &Session{
		Account:      creds.Account,
		UID:          result.UID,
		SessionToken: result.SessionToken,
		MasterKey:    masterKey,
		KeyID:        KeyID(masterKey, rotatedAt),
		CreatedAt:    time.Now(),
	}
	session.setOAuthToken(oauthToken)

	return session, nil
}

// RefreshTokenStrategy starts from an existing OAuth refresh token. The
// sync key and its key id must be supplied, since they cannot be derived
// from the token.
type RefreshTokenStrategy struct{}

// Name implements Strategy.
func (RefreshTokenStrategy) Name() string { return "refresh-token" }

// Login implements Strategy.
func (RefreshTokenStrategy) Login(_ context.Context, _ *Client, creds Credentials) (*Session, error) {
	if creds.Secret == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrBadCredentials)
	}

	if len(creds.SyncKey) != kdf.KeySize || creds.KeyID == "" {
		return nil, fmt.Errorf("%w: a %d byte sync key and its key id are required", ErrBadCredentials, kdf.KeySize)
	}

	return &Session{
		Account:      creds.Account,
		RefreshToken: creds.Secret,
		MasterKey:    creds.SyncKey,
		KeyID:        creds.KeyID,
		CreatedAt:    time.Now(),
	}, nil
}
