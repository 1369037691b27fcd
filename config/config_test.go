package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/ffsclient/config"
)

func TestLoadDefaults(t *testing.T) {
	dataPath := t.TempDir()
	t.Setenv("FFSCLIENT_DATA_PATH", dataPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultAuthServerURL, cfg.AuthServerURL)
	assert.Equal(t, "https://token.services.mozilla.com/1.0/sync/1.5", cfg.SyncTokenURL())
	assert.Equal(t, "https://api.accounts.firefox.com/v1/oauth/token", cfg.TokenURL())
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Len(t, cfg.StorageSeed, 64)

	// The generated seed is persisted and reused.
	again, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.StorageSeed, again.StorageSeed)

	info, err := os.Stat(filepath.Join(dataPath, "storage_seed"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ffsclient.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
token_server_url: https://sync.example.com/token
page_size: 50
http_timeout: 5s
log_format: json
`), 0o600))

	t.Setenv(config.ConfigFileEnv, path)
	t.Setenv("FFSCLIENT_DATA_PATH", dir)
	t.Setenv("FFSCLIENT_STORAGE_SEED", "seed-from-env")
	t.Setenv("FFSCLIENT_PAGE_SIZE", "25")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://sync.example.com/token", cfg.TokenServerURL)
	assert.Equal(t, 25, cfg.PageSize, "environment overrides the file")
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "seed-from-env", cfg.StorageSeed)
	assert.Equal(t, config.DefaultOAuthClientID, cfg.OAuthClientID)

	_, present := os.LookupEnv("FFSCLIENT_STORAGE_SEED")
	assert.False(t, present, "seed must be cleared from the environment")
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("FFSCLIENT_DATA_PATH", t.TempDir())
	t.Setenv("FFSCLIENT_SYNC_CONCURRENCY", "0")

	_, err := config.Load()
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestGetStorageKDFParams(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	cfg.KDFSpec = "pbkdf2:default"

	params, err := cfg.GetStorageKDFParams()
	require.NoError(t, err)
	assert.Equal(t, "pbkdf2", string(params.Type()))

	cfg.KDFSpec = "bogus"
	_, err = cfg.GetStorageKDFParams()
	require.Error(t, err)
}
