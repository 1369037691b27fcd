package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkoelker/ffsclient/log"
)

// defaultRefreshTimeout bounds a refresh that outlives its callers.
const defaultRefreshTimeout = time.Minute

// Refresher produces a new SyncToken to replace stale.
type Refresher interface {
	Refresh(ctx context.Context, stale *SyncToken) (*SyncToken, error)
}

// TokenSource hands out the current SyncToken and refreshes it at most once
// at a time. Concurrent callers of a refresh share its result.
type TokenSource struct {
	refresher Refresher
	timeout   time.Duration
	onRefresh func(ctx context.Context, token *SyncToken)

	group   singleflight.Group
	mu      sync.RWMutex
	current *SyncToken
}

// TokenSourceOption configures a TokenSource.
type TokenSourceOption func(*TokenSource)

// WithRefreshTimeout bounds each refresh.
func WithRefreshTimeout(timeout time.Duration) TokenSourceOption {
	return func(s *TokenSource) {
		s.timeout = timeout
	}
}

// WithOnRefresh registers a hook called with every new token.
func WithOnRefresh(hook func(ctx context.Context, token *SyncToken)) TokenSourceOption {
	return func(s *TokenSource) {
		s.onRefresh = hook
	}
}

// NewTokenSource creates a TokenSource. initial may be nil.
func NewTokenSource(refresher Refresher, initial *SyncToken, opts ...TokenSourceOption) *TokenSource {
	source := &TokenSource{
		refresher: refresher,
		timeout:   defaultRefreshTimeout,
		current:   initial,
	}

	for _, opt := range opts {
		opt(source)
	}

	return source
}

// Current returns the cached token without refreshing it.
func (s *TokenSource) Current() *SyncToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// Token returns a valid token, refreshing the cached one if needed.
func (s *TokenSource) Token(ctx context.Context) (*SyncToken, error) {
	current := s.Current()
	if current.Valid() {
		return current, nil
	}

	return s.Refresh(ctx, current)
}

// Refresh replaces stale, typically a token the server just rejected. If
// the cached token has already moved on from stale it is returned as is.
func (s *TokenSource) Refresh(ctx context.Context, stale *SyncToken) (*SyncToken, error) {
	if current := s.Current(); current != stale && current.Valid() {
		return current, nil
	}

	// The refresh runs detached so one caller giving up does not fail the
	// others waiting on it.
	flight := s.group.DoChan("refresh", func() (any, error) {
		if current := s.Current(); current != stale && current.Valid() {
			return current, nil
		}

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		token, err := s.refresher.Refresh(refreshCtx, stale)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.current = token
		s.mu.Unlock()

		if s.onRefresh != nil {
			s.onRefresh(refreshCtx, token)
		}

		log.Debug(ctx, "Refreshed sync token", "token_expires_at", token.ExpiresAt)

		return token, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-flight:
		if result.Err != nil {
			return nil, result.Err
		}

		token, _ := result.Val.(*SyncToken)

		return token, nil
	}
}
