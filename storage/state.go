package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveSession stores the account session. Sessions never expire locally,
// the auth server decides when they are dead.
func (s *Store) SaveSession(ctx context.Context, session any) error {
	return s.Set(ctx, PrefixSession+currentKey, session, 0)
}

// LoadSession loads the account session into session. It returns
// ErrNotFound when nobody is logged in.
func (s *Store) LoadSession(ctx context.Context, session any) error {
	return s.Get(ctx, PrefixSession+currentKey, session)
}

// DeleteSession forgets the session, the cached token and all marks.
func (s *Store) DeleteSession(ctx context.Context) error {
	for _, prefix := range []string{PrefixSession, PrefixToken, PrefixMark} {
		if err := s.DeletePrefix(ctx, prefix); err != nil {
			return err
		}
	}

	return nil
}

// SaveSyncToken caches the storage token until it expires.
func (s *Store) SaveSyncToken(ctx context.Context, token any, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, PrefixToken+currentKey)
	}

	return s.Set(ctx, PrefixToken+currentKey, token, ttl)
}

// LoadSyncToken loads the cached storage token into token.
func (s *Store) LoadSyncToken(ctx context.Context, token any) error {
	return s.Get(ctx, PrefixToken+currentKey, token)
}

// Mark returns the committed high-water-mark of a collection in
// milliseconds, zero when the collection was never synced.
func (s *Store) Mark(ctx context.Context, collection string) (int64, error) {
	var mark int64

	err := s.Get(ctx, PrefixMark+collection, &mark)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return mark, nil
}

// SetMark commits the high-water-mark of a collection.
func (s *Store) SetMark(ctx context.Context, collection string, mark int64) error {
	if collection == "" {
		return fmt.Errorf("%w: empty collection name", ErrInvalidKey)
	}

	return s.Set(ctx, PrefixMark+collection, mark, 0)
}

// Marks returns every committed high-water-mark by collection.
func (s *Store) Marks(ctx context.Context) (map[string]int64, error) {
	keys, err := s.List(PrefixMark)
	if err != nil {
		return nil, err
	}

	marks := make(map[string]int64, len(keys))

	for _, key := range keys {
		collection := strings.TrimPrefix(key, PrefixMark)

		mark, err := s.Mark(ctx, collection)
		if err != nil {
			return nil, err
		}

		marks[collection] = mark
	}

	return marks, nil
}

// ResetMarks drops the marks of the given collections, or all marks when
// none are named.
func (s *Store) ResetMarks(ctx context.Context, collections ...string) error {
	if len(collections) == 0 {
		return s.DeletePrefix(ctx, PrefixMark)
	}

	for _, collection := range collections {
		if err := s.Delete(ctx, PrefixMark+collection); err != nil {
			return err
		}
	}

	return nil
}
