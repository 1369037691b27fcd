package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/ffsclient/api/apitest"
	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/config"
	"github.com/jkoelker/ffsclient/storage"
)

// seedAccount points the configuration at a temp data path holding a
// logged in session and a valid token for server.
func seedAccount(t *testing.T, server *apitest.Server) {
	t.Helper()

	t.Setenv(config.ConfigFileEnv, "")
	t.Setenv("FFSCLIENT_DATA_PATH", t.TempDir())
	t.Setenv("FFSCLIENT_KDF_SPEC", "pbkdf2:iterations=1000")
	t.Setenv("FFSCLIENT_METRICS_ENABLED", "false")
	t.Setenv("FFSCLIENT_RETRY_BASE_DELAY", "1ms")

	cfg, err := config.Load()
	require.NoError(t, err)

	params, err := cfg.GetStorageKDFParams()
	require.NoError(t, err)

	store, err := storage.Open(t.Context(), cfg.DataPath, []byte(cfg.StorageSeed), params)
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	session := &auth.Session{
		Account:      "user@example.com",
		RefreshToken: "refresh",
		MasterKey:    bytes.Repeat([]byte{7}, 32),
		KeyID:        "1-key",
		Strategy:     auth.RefreshTokenStrategy{}.Name(),
	}
	require.NoError(t, store.SaveSession(t.Context(), session))

	token := server.IssueToken()
	require.NoError(t, store.SaveSyncToken(t.Context(), token, token.ExpiresAt))
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newCommand()
	cmd.Writer = &out
	cmd.ErrWriter = &bytes.Buffer{}

	err := cmd.Run(t.Context(), append([]string{"ffsclient"}, args...))

	return out.String(), err
}

type syncOutput struct {
	Collection string            `json:"collection"`
	State      string            `json:"state"`
	Records    []json.RawMessage `json:"records"`
	Deletions  []struct {
		ID string `json:"id"`
	} `json:"deletions"`
	Mark float64 `json:"mark"`
}

func syncBookmarks(t *testing.T) syncOutput {
	t.Helper()

	out, err := runCommand(t, "sync", "bookmarks")
	require.NoError(t, err)

	var results []syncOutput
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)

	return results[0]
}

func TestRecordCommands(t *testing.T) {
	server := apitest.NewServer(t)
	seedAccount(t, server)

	out, err := runCommand(t, "put", "--generate-keys",
		"--data", `{"id":"b1","type":"bookmark","title":"Example","bmkUri":"https://example.com/"}`, "bookmarks")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "b1"`)

	_, ok := server.BSO("crypto", "keys")
	assert.True(t, ok, "put must upload collection keys")

	out, err = runCommand(t, "--output", "yaml", "get", "bookmarks", "b1")
	require.NoError(t, err)
	assert.Contains(t, out, "title: Example")
	assert.Contains(t, out, "kind: bookmarks")

	first := syncBookmarks(t)
	assert.Equal(t, "completed", first.State)
	assert.Len(t, first.Records, 1)
	assert.Positive(t, first.Mark)

	again := syncBookmarks(t)
	assert.Empty(t, again.Records)
	assert.InDelta(t, first.Mark, again.Mark, 0.001)

	_, err = runCommand(t, "delete", "--tombstone", "bookmarks", "b1")
	require.NoError(t, err)

	deleted := syncBookmarks(t)
	require.Len(t, deleted.Deletions, 1)
	assert.Equal(t, "b1", deleted.Deletions[0].ID)

	out, err = runCommand(t, "collections")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "bookmarks"`)
	assert.Contains(t, out, `"count": 1`)

	out, err = runCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"account": "user@example.com"`)
	assert.Contains(t, out, `"storage_server"`)

	out, err = runCommand(t, "delete", "--all", "bookmarks")
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted": true`)

	_, ok = server.BSO("bookmarks", "b1")
	assert.False(t, ok)

	_, err = runCommand(t, "delete", "bookmarks")
	require.ErrorIs(t, err, errIDRequired)
}

func TestCommandsRequireLogin(t *testing.T) {
	t.Setenv(config.ConfigFileEnv, "")
	t.Setenv("FFSCLIENT_DATA_PATH", t.TempDir())
	t.Setenv("FFSCLIENT_KDF_SPEC", "pbkdf2:iterations=1000")
	t.Setenv("FFSCLIENT_METRICS_ENABLED", "false")

	for _, args := range [][]string{
		{"sync"},
		{"get", "bookmarks", "b1"},
		{"token", "refresh"},
		{"logout"},
	} {
		_, err := runCommand(t, args...)
		require.ErrorIs(t, err, errNotLoggedIn, strings.Join(args, " "))
	}

	out, err := runCommand(t, "token", "show")
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)
}

func TestUnknownOutputFormat(t *testing.T) {
	t.Parallel()

	_, err := runCommand(t, "--output", "xml", "token", "show")
	require.ErrorIs(t, err, errUnknownFormat)
}
