package storage

import (
	"errors"
	"time"
)

// Key prefixes for the local state the client keeps between runs.
const (
	// PrefixSession holds the authenticated account session.
	PrefixSession = "session:"

	// PrefixToken holds the cached storage token.
	PrefixToken = "token:"

	// PrefixMark holds per-collection high-water-marks.
	PrefixMark = "mark:"

	// PrefixMeta holds store bookkeeping such as the liveness probe.
	PrefixMeta = "meta:"

	// currentKey is the single slot used for the session and token.
	currentKey = "current"
)

// Configuration constants.
const (
	// DefaultEncryptionKeyRotation is the default key rotation period.
	DefaultEncryptionKeyRotation = 24 * time.Hour

	// DefaultIndexCacheSize is the default index cache size in bytes.
	DefaultIndexCacheSize = 16 << 20

	// DefaultGCThreshold is the default garbage collection threshold.
	DefaultGCThreshold = 0.5

	// AES256KeySize is the key size for AES-256 encryption.
	AES256KeySize = 32

	// ParamsFileName is the name of the KDF parameters file.
	ParamsFileName = "kdf_params.json"

	// ParamsFileVersion is the current version of the KDF params file format.
	ParamsFileVersion = 2

	// DatabaseSubdir is the subdirectory holding the badger files.
	DatabaseSubdir = "db"

	// rekeySuffix names the directory a rekeyed database is built in.
	rekeySuffix = ".rekey"

	dirPermissions  = 0o700
	filePermissions = 0o600
	saltLength      = 32
)

// Storage errors.
var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that cannot be stored.
	ErrInvalidKey = errors.New("invalid key")

	// ErrExpirationTooLarge is returned when the expiration timestamp exceeds
	// the maximum allowed value.
	ErrExpirationTooLarge = errors.New("expiration timestamp too large")

	// ErrUnsupportedParamsVersion indicates the KDF params file is from an
	// unknown format version.
	ErrUnsupportedParamsVersion = errors.New("unsupported KDF params version")

	// ErrMissingSalt indicates the KDF params file carries no salt.
	ErrMissingSalt = errors.New("KDF params file missing salt")
)
