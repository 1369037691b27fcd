package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/ffsclient/storage"
)

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	store, _ := setupStore(t)
	ctx := t.Context()

	type session struct {
		UID   string `json:"uid"`
		Email string `json:"email"`
	}

	var got session
	require.ErrorIs(t, store.LoadSession(ctx, &got), storage.ErrNotFound)

	require.NoError(t, store.SaveSession(ctx, session{UID: "u1", Email: "me@example.com"}))
	require.NoError(t, store.SaveSyncToken(ctx, map[string]string{"id": "t"}, time.Now().Add(time.Hour)))
	require.NoError(t, store.SetMark(ctx, "tabs", 42))

	require.NoError(t, store.LoadSession(ctx, &got))
	assert.Equal(t, "u1", got.UID)

	require.NoError(t, store.DeleteSession(ctx))

	require.ErrorIs(t, store.LoadSession(ctx, &got), storage.ErrNotFound)

	var token map[string]string
	require.ErrorIs(t, store.LoadSyncToken(ctx, &token), storage.ErrNotFound)

	mark, err := store.Mark(ctx, "tabs")
	require.NoError(t, err)
	assert.Zero(t, mark)
}

func TestSaveSyncTokenExpired(t *testing.T) {
	t.Parallel()

	store, _ := setupStore(t)
	ctx := t.Context()

	require.NoError(t, store.SaveSyncToken(ctx, "token", time.Now().Add(time.Hour)))
	require.NoError(t, store.SaveSyncToken(ctx, "token", time.Now().Add(-time.Minute)))

	var token string
	require.ErrorIs(t, store.LoadSyncToken(ctx, &token), storage.ErrNotFound)
}

func TestMarks(t *testing.T) {
	t.Parallel()

	store, _ := setupStore(t)
	ctx := t.Context()

	mark, err := store.Mark(ctx, "bookmarks")
	require.NoError(t, err)
	assert.Zero(t, mark)

	require.NoError(t, store.SetMark(ctx, "bookmarks", 300))
	require.NoError(t, store.SetMark(ctx, "history", 100))
	require.ErrorIs(t, store.SetMark(ctx, "", 1), storage.ErrInvalidKey)

	marks, err := store.Marks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"bookmarks": 300, "history": 100}, marks)

	require.NoError(t, store.ResetMarks(ctx, "history"))

	marks, err = store.Marks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"bookmarks": 300}, marks)

	require.NoError(t, store.ResetMarks(ctx))

	marks, err = store.Marks(ctx)
	require.NoError(t, err)
	assert.Empty(t, marks)
}
