package record_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/ffsclient/record"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, kind := range record.Kinds() {
		got, err := record.ParseKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}

	_, err := record.ParseKind("addons")
	require.ErrorIs(t, err, record.ErrUnknownCollection)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		collection string
		plaintext  string
		check      func(t *testing.T, rec record.Record)
	}{
		{
			name:       "bookmark",
			collection: "bookmarks",
			plaintext: `{"id":"bm1","type":"bookmark","title":"Example","bmkUri":"https://example.org/",` +
				`"parentid":"toolbar","dateAdded":1700000000000,"tags":["a"],"unknownField":true}`,
			check: func(t *testing.T, rec record.Record) {
				t.Helper()

				bookmark, ok := rec.Payload.(*record.Bookmark)
				require.True(t, ok)
				assert.Equal(t, "https://example.org/", bookmark.URI)
				assert.Equal(t, record.BookmarkTypeBookmark, bookmark.Type)
				require.NotNil(t, bookmark.Added())
				assert.Equal(t, int64(1700000000), bookmark.Added().Unix())
			},
		},
		{
			name:       "folder",
			collection: "bookmarks",
			plaintext:  `{"id":"menu","type":"folder","title":"Menu","children":["bm1","bm2"],"dateAdded":null}`,
			check: func(t *testing.T, rec record.Record) {
				t.Helper()

				folder, ok := rec.Payload.(*record.Bookmark)
				require.True(t, ok)
				assert.Equal(t, []string{"bm1", "bm2"}, folder.Children)
				assert.Nil(t, folder.Added())
			},
		},
		{
			name:       "login",
			collection: "passwords",
			plaintext: `{"id":"{uuid}","hostname":"https://example.org","formSubmitURL":"https://example.org",` +
				`"httpRealm":null,"username":"user","password":"hunter2","timeCreated":1700000000000}`,
			check: func(t *testing.T, rec record.Record) {
				t.Helper()

				login, ok := rec.Payload.(*record.Login)
				require.True(t, ok)
				assert.Equal(t, "hunter2", login.Password)
				assert.Nil(t, login.HTTPRealm)
				assert.Nil(t, login.LastUsed())
			},
		},
		{
			name:       "history",
			collection: "history",
			plaintext: `{"id":"h1","histUri":"https://example.org/a","title":"A",` +
				`"visits":[{"type":1,"date":1700000000000000},{"type":2,"date":1700000100000000}]}`,
			check: func(t *testing.T, rec record.Record) {
				t.Helper()

				entry, ok := rec.Payload.(*record.HistoryEntry)
				require.True(t, ok)
				assert.Len(t, entry.Visits, 2)
				assert.Equal(t, int64(1700000100), entry.LastVisit().Unix())
			},
		},
		{
			name:       "tabs",
			collection: "tabs",
			plaintext: `{"id":"client1","clientName":"Laptop",` +
				`"tabs":[{"title":"A","urlHistory":["https://example.org/"],"lastUsed":1700000000}]}`,
			check: func(t *testing.T, rec record.Record) {
				t.Helper()

				client, ok := rec.Payload.(*record.TabClient)
				require.True(t, ok)
				require.Len(t, client.Tabs, 1)
				assert.Equal(t, time.Unix(1700000000, 0), client.Tabs[0].LastUsedTime())
			},
		},
		{
			name:       "form",
			collection: "forms",
			plaintext:  `{"id":"f1","name":"email","value":"user@example.org"}`,
			check: func(t *testing.T, rec record.Record) {
				t.Helper()

				form, ok := rec.Payload.(*record.FormEntry)
				require.True(t, ok)
				assert.Equal(t, "email", form.Name)
			},
		},
		{
			name:       "tombstone",
			collection: "passwords",
			plaintext:  `{"id":"gone","deleted":true}`,
			check: func(t *testing.T, rec record.Record) {
				t.Helper()

				assert.True(t, rec.Deleted)
				assert.Nil(t, rec.Payload)
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			rec, err := record.Decode(test.collection, []byte(test.plaintext))
			require.NoError(t, err)
			assert.Equal(t, record.Kind(test.collection), rec.Kind)
			assert.NotEmpty(t, rec.ID)

			test.check(t, rec)
		})
	}
}

func TestDecodeSchemaErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		collection string
		plaintext  string
	}{
		{"not json", "bookmarks", `{"id":`},
		{"missing id", "forms", `{"name":"email"}`},
		{"wrong field type", "history", `{"id":"h1","histUri":"https://example.org","visits":"x"}`},
		{"bookmark without uri", "bookmarks", `{"id":"bm","type":"bookmark","title":"x"}`},
		{"unknown bookmark type", "bookmarks", `{"id":"bm","type":"widget"}`},
		{"login without password", "passwords", `{"id":"l","hostname":"https://example.org"}`},
		{"bad transition", "history", `{"id":"h","histUri":"https://a","visits":[{"type":42,"date":1}]}`},
		{"tab without url", "tabs", `{"id":"c","clientName":"x","tabs":[{"title":"a"}]}`},
		{"form without name", "forms", `{"id":"f","value":"v"}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := record.Decode(test.collection, []byte(test.plaintext))
			require.ErrorIs(t, err, record.ErrSchema)
		})
	}

	_, err := record.Decode("meta", []byte(`{"id":"global"}`))
	require.ErrorIs(t, err, record.ErrUnknownCollection)
}

func TestEncode(t *testing.T) {
	t.Parallel()

	rec := record.New(&record.FormEntry{ID: "f1", Name: "email", Value: "user@example.org"})
	assert.Equal(t, record.Forms, rec.Kind)

	plaintext, err := record.Encode(rec)
	require.NoError(t, err)

	decoded, err := record.Decode("forms", plaintext)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)

	plaintext, err = record.Encode(record.Tombstone(record.Tabs, "client1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"client1","deleted":true}`, string(plaintext))

	var wire map[string]any
	require.NoError(t, json.Unmarshal(plaintext, &wire))
	assert.Equal(t, true, wire["deleted"])
}

func TestEncodeRejects(t *testing.T) {
	t.Parallel()

	_, err := record.Encode(record.Record{Kind: record.Forms})
	require.ErrorIs(t, err, record.ErrSchema, "missing id")

	_, err = record.Encode(record.Record{ID: "x", Kind: record.Forms})
	require.ErrorIs(t, err, record.ErrSchema, "missing payload")

	mismatched := record.New(&record.FormEntry{ID: "f1", Name: "n"})
	mismatched.Kind = record.Bookmarks
	_, err = record.Encode(mismatched)
	require.ErrorIs(t, err, record.ErrSchema, "kind mismatch")

	renamed := record.New(&record.FormEntry{ID: "f1", Name: "n"})
	renamed.ID = "f2"
	_, err = record.Encode(renamed)
	require.ErrorIs(t, err, record.ErrSchema, "id mismatch")

	_, err = record.Encode(record.New(&record.Login{ID: "l", Hostname: "https://example.org"}))
	require.ErrorIs(t, err, record.ErrSchema, "invalid payload")
}
