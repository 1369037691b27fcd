package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/jkoelker/ffsclient/kdf"
)

// Cryptographic constants.
const (
	keySize  = 32    // 256-bit storage seed
	dirMode  = 0o700 // Directory creation mode
	fileMode = 0o600 // File creation mode (user read/write only)

	// EnvPrefix is prepended to every environment variable name.
	EnvPrefix = "FFSCLIENT_"

	// ConfigFileEnv names the optional YAML config file.
	ConfigFileEnv = EnvPrefix + "CONFIG"

	storageSeedFile = "storage_seed"
)

// Transport and engine defaults.
const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxDelay   = 30 * time.Second
	defaultPageSize        = 1000
	defaultSyncConcurrency = 4
)

// Firefox Accounts and Sync constants.
const (
	// DefaultAuthServerURL is the Firefox Accounts auth server.
	DefaultAuthServerURL = "https://api.accounts.firefox.com/v1"

	// DefaultTokenServerURL is the Sync token server.
	DefaultTokenServerURL = "https://token.services.mozilla.com" //nolint:gosec // Just a URL

	// DefaultOAuthClientID is the public client id of Firefox desktop.
	DefaultOAuthClientID = "5882386c6d801776"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the application configuration.
type Config struct {
	// Remote services
	AuthServerURL  string `env:"AUTH_SERVER_URL"  yaml:"auth_server_url"`
	TokenServerURL string `env:"TOKEN_SERVER_URL" yaml:"token_server_url"`
	OAuthClientID  string `env:"OAUTH_CLIENT_ID"  yaml:"oauth_client_id"`

	// Local state
	DataPath    string `env:"DATA_PATH"    yaml:"data_path"`
	StorageSeed string `env:"STORAGE_SEED" yaml:"-"`

	// KDF specification (e.g., "pbkdf2:default", "argon2:high", "scrypt:moderate")
	KDFSpec string `env:"KDF_SPEC" yaml:"kdf_spec"`

	// Transport settings
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT"     yaml:"http_timeout"`
	RetryAttempts  int           `env:"RETRY_ATTEMPTS"   yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY"  yaml:"retry_max_delay"`
	PageSize       int           `env:"PAGE_SIZE"        yaml:"page_size"`

	// Engine settings
	SyncConcurrency int `env:"SYNC_CONCURRENCY" yaml:"sync_concurrency"`

	// Logging
	DebugLogging bool   `env:"DEBUG_LOGGING" yaml:"debug_logging"`
	LogFormat    string `env:"LOG_FORMAT"    yaml:"log_format"`
	LogFile      string `env:"LOG_FILE"      yaml:"log_file"`

	// Observability settings
	ServiceName    string `env:"SERVICE_NAME"    yaml:"service_name"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" yaml:"metrics_enabled"`
	TracingEnabled bool   `env:"TRACING_ENABLED" yaml:"tracing_enabled"`
	ListenAddr     string `env:"LISTEN_ADDR"     yaml:"listen_addr"`

	// TLS for the local endpoint. Without cert and key paths a self-signed
	// certificate is generated.
	ListenTLS   bool   `env:"LISTEN_TLS"    yaml:"listen_tls"`
	TLSCertPath string `env:"TLS_CERT_PATH" yaml:"tls_cert_path"`
	TLSKeyPath  string `env:"TLS_KEY_PATH"  yaml:"tls_key_path"`
}

// TokenURL is the OAuth token endpoint of the auth server.
func (c *Config) TokenURL() string {
	return strings.TrimRight(c.AuthServerURL, "/") + "/oauth/token"
}

// SyncTokenURL is the token server endpoint handing out storage credentials.
func (c *Config) SyncTokenURL() string {
	return strings.TrimRight(c.TokenServerURL, "/") + "/1.0/sync/1.5"
}

// GetStorageKDFParams returns the KDF parameters for storage encryption.
func (c *Config) GetStorageKDFParams() (kdf.Params, error) {
	params, err := kdf.ParseSpec(c.KDFSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid KDF spec %q: %w", c.KDFSpec, err)
	}

	return params, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch {
	case c.AuthServerURL == "":
		return fmt.Errorf("%w: auth server url is empty", ErrInvalidConfig)
	case c.TokenServerURL == "":
		return fmt.Errorf("%w: token server url is empty", ErrInvalidConfig)
	case c.RetryAttempts < 1:
		return fmt.Errorf("%w: retry attempts must be at least 1", ErrInvalidConfig)
	case c.PageSize < 1:
		return fmt.Errorf("%w: page size must be at least 1", ErrInvalidConfig)
	case c.SyncConcurrency < 1:
		return fmt.Errorf("%w: sync concurrency must be at least 1", ErrInvalidConfig)
	}

	return nil
}

// DefaultDataPath is where local state lives when no data path is set.
func DefaultDataPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ffsclient")
	}

	return "./data"
}

// generateSecureKey generates a cryptographically secure random key.
func generateSecureKey() (string, error) {
	bytes := make([]byte, keySize)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure key: %w", err)
	}

	return hex.EncodeToString(bytes), nil
}

// getOrCreateStorageSeed loads the storage seed from the data path,
// generating and persisting one on first use.
func getOrCreateStorageSeed(dataPath string) (string, error) {
	// Clean the path to prevent directory traversal
	cleanDataPath := filepath.Clean(dataPath)
	seedPath := filepath.Join(cleanDataPath, storageSeedFile)

	if seedBytes, err := os.ReadFile(seedPath); err == nil {
		seed := strings.TrimSpace(string(seedBytes))
		if seed != "" {
			slog.Debug("Loaded existing storage seed", "seed_path", seedPath)

			return seed, nil
		}
	}

	seed, err := generateSecureKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate storage seed: %w", err)
	}

	if err := os.MkdirAll(cleanDataPath, dirMode); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := os.WriteFile(seedPath, []byte(seed), fileMode); err != nil {
		return "", fmt.Errorf("failed to write storage seed to %s: %w", seedPath, err)
	}

	slog.Info("Generated new storage seed", "seed_path", seedPath)

	return seed, nil
}

// loadFile overlays the YAML file at path onto config.
func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// Defaults returns the configuration used when neither the config file nor
// the environment set a value.
func Defaults() *Config {
	return &Config{
		AuthServerURL:   DefaultAuthServerURL,
		TokenServerURL:  DefaultTokenServerURL,
		OAuthClientID:   DefaultOAuthClientID,
		KDFSpec:         "argon2:default",
		HTTPTimeout:     defaultHTTPTimeout,
		RetryAttempts:   defaultRetryAttempts,
		RetryBaseDelay:  defaultRetryBaseDelay,
		RetryMaxDelay:   defaultRetryMaxDelay,
		PageSize:        defaultPageSize,
		SyncConcurrency: defaultSyncConcurrency,
		LogFormat:       "text",
		ServiceName:     "ffsclient",
		MetricsEnabled:  true,
		ListenAddr:      "127.0.0.1:9464",
	}
}

// Load creates a Config from the defaults, the optional YAML file named by
// FFSCLIENT_CONFIG and then the environment, which wins.
func Load() (*Config, error) {
	config := Defaults()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := loadFile(path, config); err != nil {
			return nil, err
		}
	}

	// Parse environment variables using struct tags. Only variables that are
	// set overwrite a field.
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	// Clear sensitive environment variables for security
	clearEnvVar(EnvPrefix + "STORAGE_SEED")

	if config.DataPath == "" {
		config.DataPath = DefaultDataPath()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.StorageSeed == "" {
		seed, err := getOrCreateStorageSeed(config.DataPath)
		if err != nil {
			return nil, fmt.Errorf("failed to get storage seed: %w", err)
		}

		config.StorageSeed = seed
	}

	return config, nil
}

// clearEnvVar removes the specified environment variable to prevent it from
// being exposed in process listings.
func clearEnvVar(key string) {
	_ = os.Unsetenv(key)
}
