package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/api/apitest"
	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/crypt"
	"github.com/jkoelker/ffsclient/engine"
	"github.com/jkoelker/ffsclient/record"
)

type fixture struct {
	server *apitest.Server
	tokens *auth.TokenSource
	client *api.Client
	marks  *engine.MemoryMarks
	root   crypt.KeyBundle
	ring   *crypt.KeyRing
	engine *engine.Engine

	mu          sync.Mutex
	transitions []engine.Transition
}

type fixtureOptions struct {
	noKeys       bool
	generateKeys bool
	initial      func(*apitest.Server) *auth.SyncToken
	observer     engine.Observer
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	server := apitest.NewServer(t)

	initial := server.IssueToken()
	if opts.initial != nil {
		initial = opts.initial(server)
	}

	root, err := crypt.DeriveKeyBundle(bytes.Repeat([]byte{7}, crypt.KeySize))
	require.NoError(t, err)

	ring, err := crypt.NewKeyRing()
	require.NoError(t, err)

	f := &fixture{
		server: server,
		tokens: auth.NewTokenSource(server, initial),
		marks:  engine.NewMemoryMarks(),
		root:   root,
		ring:   ring,
	}

	f.client = api.NewClient(f.tokens, api.Options{
		Retry:    api.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		PageSize: 2,
	})

	if !opts.noKeys {
		plaintext, err := ring.Encode()
		require.NoError(t, err)

		payload, err := crypt.Encrypt(plaintext, root)
		require.NoError(t, err)

		server.Store(crypt.KeysCollection, api.BSO{ID: crypt.KeysID, Payload: payload.String()})
	}

	f.engine, err = engine.New(engine.Options{
		Transport:    f.client,
		Tokens:       f.tokens,
		Marks:        f.marks,
		Root:         root,
		Concurrency:  5,
		GenerateKeys: opts.generateKeys,
		Observer: func(ctx context.Context, transition engine.Transition) {
			f.mu.Lock()
			f.transitions = append(f.transitions, transition)
			f.mu.Unlock()

			if opts.observer != nil {
				opts.observer(ctx, transition)
			}
		},
	})
	require.NoError(t, err)

	return f
}

func (f *fixture) encrypt(t *testing.T, collection, plaintext string) string {
	t.Helper()

	payload, err := crypt.Encrypt([]byte(plaintext), f.ring.BundleFor(collection))
	require.NoError(t, err)

	return payload.String()
}

func (f *fixture) store(t *testing.T, collection, id, plaintext string, modified api.Timestamp) {
	t.Helper()

	f.server.Store(collection, api.BSO{ID: id, Modified: modified, Payload: f.encrypt(t, collection, plaintext)})
}

func (f *fixture) states(collection string) []engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()

	var states []engine.State

	for _, transition := range f.transitions {
		if transition.Collection == collection {
			states = append(states, transition.To)
		}
	}

	return states
}

func bookmarkJSON(id string) string {
	return fmt.Sprintf(`{"id":%q,"type":"bookmark","title":%q,"bmkUri":"https://example.com/%s"}`, id, id, id)
}

func recordIDs(records []record.Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}

	return ids
}

func TestSyncSinceMark(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	f.store(t, "bookmarks", "b100", bookmarkJSON("b100"), 100)
	f.store(t, "bookmarks", "b200", bookmarkJSON("b200"), 200)
	f.store(t, "bookmarks", "b300", bookmarkJSON("b300"), 300)

	require.NoError(t, f.marks.SetMark(ctx, "bookmarks", 150))

	result, err := f.engine.Sync(ctx, "bookmarks", engine.Incremental)
	require.NoError(t, err)

	assert.Equal(t, engine.Completed, result.State)
	assert.Equal(t, []string{"b200", "b300"}, recordIDs(result.Records))
	assert.Equal(t, api.Timestamp(150), result.PreviousMark)
	assert.Equal(t, api.Timestamp(300), result.Mark)

	bookmark, ok := result.Records[1].Payload.(*record.Bookmark)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/b300", bookmark.URI)
	assert.Equal(t, time.UnixMilli(300), result.Records[1].Modified)

	mark, err := f.marks.Mark(ctx, "bookmarks")
	require.NoError(t, err)
	assert.Equal(t, int64(300), mark)
}

func TestIncrementalSyncIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	for i, id := range []string{"a", "b", "c"} {
		f.store(t, "bookmarks", id, bookmarkJSON(id), api.Timestamp(1000*(i+1)))
	}

	first, err := f.engine.Sync(ctx, "bookmarks", engine.Incremental)
	require.NoError(t, err)
	assert.Len(t, first.Records, 3)
	assert.Equal(t, 2, first.Pages)

	second, err := f.engine.Sync(ctx, "bookmarks", engine.Incremental)
	require.NoError(t, err)
	assert.Empty(t, second.Records)
	assert.Empty(t, second.Deletions)
	assert.Equal(t, first.Mark, second.Mark)
	assert.Equal(t, second.PreviousMark, second.Mark)

	full, err := f.engine.Sync(ctx, "bookmarks", engine.Full)
	require.NoError(t, err)
	assert.Len(t, full.Records, 3)
	assert.Equal(t, first.Mark, full.Mark)
}

func TestSyncOrdersAcrossPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})

	for i, modified := range []api.Timestamp{5000, 1000, 4000, 2000, 3000} {
		id := fmt.Sprintf("h%d", i)
		f.store(t, "history", id, fmt.Sprintf(`{"id":%q,"histUri":"https://example.com/","visits":[{"type":1,"date":1}]}`, id), modified)
	}

	result, err := f.engine.Sync(t.Context(), "history", engine.Full)
	require.NoError(t, err)

	require.Len(t, result.Records, 5)
	assert.Equal(t, 3, result.Pages)

	for i := 1; i < len(result.Records); i++ {
		assert.False(t, result.Records[i].Modified.Before(result.Records[i-1].Modified))
	}
}

func TestSyncResumesAfterPageFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	f.store(t, "bookmarks", "seed", bookmarkJSON("seed"), 1000)

	_, err := f.engine.Sync(ctx, "bookmarks", engine.Incremental)
	require.NoError(t, err)

	for i := 2; i <= 6; i++ {
		id := fmt.Sprintf("b%d", i)
		f.store(t, "bookmarks", id, bookmarkJSON(id), api.Timestamp(1000*i))
	}

	bookmarks := apitest.IsCollection("bookmarks")
	f.server.AddFault(apitest.Fault{
		Match: func(r *http.Request) bool { return bookmarks(r) && apitest.IsPage(r) },
		Times: -1,
	})

	failed, err := f.engine.Sync(ctx, "bookmarks", engine.Incremental)
	require.ErrorIs(t, err, api.ErrNetwork)

	assert.Equal(t, engine.Failed, failed.State)
	assert.Equal(t, engine.KindNetwork, failed.Failure)
	assert.Equal(t, api.Timestamp(1000), failed.Mark)

	mark, err := f.marks.Mark(ctx, "bookmarks")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), mark)

	f.server.ClearFaults()

	before := len(f.server.Requests())

	resumed, err := f.engine.Sync(ctx, "bookmarks", engine.Incremental)
	require.NoError(t, err)

	assert.Equal(t, []string{"b2", "b3", "b4", "b5", "b6"}, recordIDs(resumed.Records))
	assert.Equal(t, api.Timestamp(6000), resumed.Mark)

	first := f.server.Requests()[before]
	assert.Contains(t, first.Query, "newer=1.00")
	assert.NotContains(t, first.Query, "offset=")
}

func TestSyncSkipsBadRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})

	f.server.Store("bookmarks", api.BSO{ID: "garbage", Modified: 50, Payload: "not json"})

	tampered := []byte(f.encrypt(t, "bookmarks", bookmarkJSON("bad-hmac")))
	idx := bytes.Index(tampered, []byte(`"hmac":"`)) + len(`"hmac":"`)
	tampered[idx] = map[bool]byte{true: 'b', false: 'a'}[tampered[idx] == 'a']
	f.server.Store("bookmarks", api.BSO{ID: "bad-hmac", Modified: 100, Payload: string(tampered)})

	f.store(t, "bookmarks", "bad-schema", `{"id":"bad-schema","type":"bookmark"}`, 200)
	f.store(t, "bookmarks", "gone", `{"id":"gone","deleted":true}`, 300)
	f.store(t, "bookmarks", "good", bookmarkJSON("good"), 400)

	result, err := f.engine.Sync(t.Context(), "bookmarks", engine.Full)
	require.NoError(t, err)

	assert.Equal(t, engine.Completed, result.State)
	assert.Equal(t, []string{"good"}, recordIDs(result.Records))
	require.Len(t, result.Deletions, 1)
	assert.Equal(t, "gone", result.Deletions[0].ID)

	assert.Len(t, result.Warnings, 3)
	assert.Equal(t, 1, result.Skipped(engine.KindIntegrity))
	assert.Equal(t, 1, result.Skipped(engine.KindSchema))
	assert.Equal(t, 1, result.Skipped(engine.KindMalformed))
	assert.Equal(t, api.Timestamp(400), result.Mark)
}

func TestSyncSurfacesServerTombstones(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})

	f.server.Store("passwords", api.BSO{ID: "{deleted}", Modified: 100})

	result, err := f.engine.Sync(t.Context(), "passwords", engine.Incremental)
	require.NoError(t, err)

	assert.Empty(t, result.Records)
	require.Len(t, result.Deletions, 1)
	assert.Equal(t, "{deleted}", result.Deletions[0].ID)
	assert.Equal(t, api.Timestamp(100), result.Mark)
}

func TestSyncStateTransitions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	f.store(t, "tabs", "client", `{"id":"client","clientName":"laptop","tabs":[]}`, 100)

	_, err := f.engine.Sync(ctx, "tabs", engine.Incremental)
	require.NoError(t, err)

	assert.Equal(t, []engine.State{
		engine.Authenticating, engine.Fetching, engine.Decrypting, engine.Completed,
	}, f.states("tabs"))

	f.store(t, "forms", "f1", `{"id":"f1","name":"q","value":"go"}`, 100)
	f.server.RevokeTokens()

	_, err = f.engine.Sync(ctx, "forms", engine.Incremental)
	require.NoError(t, err)

	assert.Equal(t, []engine.State{
		engine.Authenticating, engine.Fetching, engine.Reauthenticating,
		engine.Fetching, engine.Decrypting, engine.Completed,
	}, f.states("forms"))
	assert.Equal(t, 1, f.server.Refreshes())
}

func TestConcurrentSyncsRefreshOnce(t *testing.T) {
	t.Parallel()

	collections := []string{"bookmarks", "passwords", "history", "tabs", "forms"}

	tests := []struct {
		name    string
		initial func(*apitest.Server) *auth.SyncToken
		revoke  bool
	}{
		{
			name: "expiring token",
			initial: func(server *apitest.Server) *auth.SyncToken {
				token := server.IssueToken()
				token.ExpiresAt = time.Now().Add(-time.Minute)

				return token
			},
		},
		{
			name:   "rejected token",
			revoke: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, fixtureOptions{initial: test.initial})
			ctx := t.Context()

			f.server.OnRefresh(func(context.Context) { time.Sleep(20 * time.Millisecond) })

			if test.revoke {
				_, err := f.engine.Keys(ctx)
				require.NoError(t, err)

				f.server.RevokeTokens()
			}

			f.store(t, "bookmarks", "b", bookmarkJSON("b"), 100)
			f.store(t, "passwords", "p", `{"id":"p","hostname":"https://example.com","password":"x"}`, 100)
			f.store(t, "history", "h", `{"id":"h","histUri":"https://example.com/","visits":[{"type":1,"date":1}]}`, 100)
			f.store(t, "tabs", "t", `{"id":"t","clientName":"laptop","tabs":[]}`, 100)
			f.store(t, "forms", "f", `{"id":"f","name":"q","value":"go"}`, 100)

			results, err := f.engine.SyncAll(ctx, collections, engine.Incremental)
			require.NoError(t, err)
			require.Len(t, results, len(collections))

			for i, result := range results {
				assert.Equal(t, collections[i], result.Collection)
				assert.Len(t, result.Records, 1, result.Collection)
			}

			assert.Equal(t, 1, f.server.Refreshes())
		})
	}
}

func TestCanceledSyncKeepsMark(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	f := newFixture(t, fixtureOptions{
		observer: func(_ context.Context, transition engine.Transition) {
			if transition.To == engine.Decrypting {
				cancel()
			}
		},
	})

	for i, id := range []string{"a", "b", "c"} {
		f.store(t, "bookmarks", id, bookmarkJSON(id), api.Timestamp(100*(i+1)))
	}

	result, err := f.engine.Sync(ctx, "bookmarks", engine.Incremental)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, engine.Failed, result.State)
	assert.Equal(t, engine.KindCanceled, result.Failure)
	assert.Zero(t, result.Mark)

	mark, err := f.marks.Mark(t.Context(), "bookmarks")
	require.NoError(t, err)
	assert.Zero(t, mark)
}

func TestSyncUnknownCollection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})

	result, err := f.engine.Sync(t.Context(), "addons", engine.Incremental)
	require.ErrorIs(t, err, record.ErrUnknownCollection)
	assert.Equal(t, engine.KindUnsupported, result.Failure)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	t.Run("missing", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, fixtureOptions{noKeys: true})

		result, err := f.engine.Sync(t.Context(), "bookmarks", engine.Incremental)
		require.ErrorIs(t, err, engine.ErrNoKeys)
		assert.Equal(t, engine.KindNotFound, result.Failure)
	})

	t.Run("generated", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, fixtureOptions{noKeys: true, generateKeys: true})

		ring, err := f.engine.Keys(t.Context())
		require.NoError(t, err)

		bso, ok := f.server.BSO(crypt.KeysCollection, crypt.KeysID)
		require.True(t, ok)

		payload, err := crypt.ParsePayload(bso.Payload)
		require.NoError(t, err)

		plaintext, err := crypt.Decrypt(payload, f.root)
		require.NoError(t, err)

		uploaded, err := crypt.DecodeKeyRing(plaintext)
		require.NoError(t, err)
		assert.Equal(t, ring.Default, uploaded.Default)
	})

	t.Run("per collection bundle", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, fixtureOptions{})

		ring, err := f.engine.Keys(t.Context())
		require.NoError(t, err)
		assert.Equal(t, f.ring.Default, ring.Default)
	})
}

func TestRecordOperations(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	login := &record.Login{ID: "{login}", Hostname: "https://example.com", Username: "me", Password: "hunter2"}

	modified, err := f.engine.PutRecord(ctx, "passwords", record.New(login), 0)
	require.NoError(t, err)
	assert.Positive(t, modified)

	fetched, err := f.engine.GetRecord(ctx, "passwords", "{login}")
	require.NoError(t, err)
	assert.Equal(t, login, fetched.Payload)
	assert.Equal(t, modified.Time(), fetched.Modified)

	_, err = f.engine.PutRecord(ctx, "bookmarks", record.New(login), 0)
	require.ErrorIs(t, err, engine.ErrCollectionMismatch)

	_, err = f.engine.PutRecord(ctx, "passwords", record.New(login), modified-100)
	require.ErrorIs(t, err, api.ErrConflict)
	assert.Equal(t, engine.KindConflict, engine.Classify(err))

	require.NoError(t, f.engine.DeleteRecord(ctx, "passwords", "{login}"))

	_, err = f.engine.GetRecord(ctx, "passwords", "{login}")
	require.ErrorIs(t, err, api.ErrNotFound)

	err = f.engine.DeleteRecord(ctx, "passwords", "{login}")
	require.ErrorIs(t, err, api.ErrNotFound)

	_, err = f.engine.PutRecord(ctx, "passwords", record.Tombstone(record.Passwords, "{login}"), 0)
	require.NoError(t, err)

	result, err := f.engine.Sync(ctx, "passwords", engine.Full)
	require.NoError(t, err)
	require.Len(t, result.Deletions, 1)
	assert.Equal(t, "{login}", result.Deletions[0].ID)
}

func TestListCollections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOptions{})
	ctx := t.Context()

	f.store(t, "bookmarks", "a", bookmarkJSON("a"), 100)

	_, err := f.engine.Sync(ctx, "bookmarks", engine.Incremental)
	require.NoError(t, err)

	infos, err := f.engine.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "bookmarks", infos[0].Name)
	assert.True(t, infos[0].Supported)
	assert.Equal(t, api.Timestamp(100), infos[0].Mark)

	assert.Equal(t, crypt.KeysCollection, infos[1].Name)
	assert.False(t, infos[1].Supported)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		kind engine.ErrorKind
	}{
		{nil, engine.KindNone},
		{fmt.Errorf("wrapped: %w", context.Canceled), engine.KindCanceled},
		{fmt.Errorf("%w: %w", api.ErrNetwork, context.DeadlineExceeded), engine.KindCanceled},
		{auth.ErrTwoFactorRequired, engine.KindAuth},
		{auth.ErrReauthRequired, engine.KindAuth},
		{fmt.Errorf("%w: %w", api.ErrAuthExpired, auth.ErrReauthRequired), engine.KindAuthExpired},
		{&api.HTTPError{Status: 401}, engine.KindAuthExpired},
		{&api.HTTPError{Status: 412}, engine.KindConflict},
		{&api.HTTPError{Status: 429}, engine.KindRateLimited},
		{&api.HTTPError{Status: 503}, engine.KindNetwork},
		{&api.HTTPError{Status: 404}, engine.KindNotFound},
		{&api.HTTPError{Status: 400}, engine.KindInternal},
		{crypt.ErrIntegrity, engine.KindIntegrity},
		{crypt.ErrMalformed, engine.KindMalformed},
		{record.ErrSchema, engine.KindSchema},
		{record.ErrUnknownCollection, engine.KindUnsupported},
		{auth.ErrUnavailable, engine.KindNetwork},
		{errors.New("boom"), engine.KindInternal},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%02d_%s", i, test.kind), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.kind, engine.Classify(test.err))
		})
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := engine.ParseMode("full")
	require.NoError(t, err)
	assert.Equal(t, engine.Full, mode)

	mode, err = engine.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, engine.Incremental, mode)

	_, err = engine.ParseMode("partial")
	require.ErrorIs(t, err, engine.ErrInvalidMode)
}
