package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/jkoelker/ffsclient/kdf"
	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/metrics"
)

// Store is the encrypted local state store.
type Store struct {
	db *badger.DB
}

// NewStore opens the badger database under dbPath. encryptionKey may be nil
// for an unencrypted store.
func NewStore(dbPath string, encryptionKey []byte) (*Store, error) {
	if err := os.MkdirAll(dbPath, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := badger.Open(databaseOptions(dbPath, encryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Store{db: db}, nil
}

func databaseOptions(dbPath string, encryptionKey []byte) badger.Options {
	opts := badger.DefaultOptions(dbPath)

	if len(encryptionKey) > 0 {
		opts = opts.WithEncryptionKey(encryptionKey)
		opts = opts.WithEncryptionKeyRotationDuration(DefaultEncryptionKeyRotation)
		opts = opts.WithIndexCacheSize(DefaultIndexCacheSize)
	}

	// The store is tiny and single user, keep the footprint small.
	opts = opts.WithSyncWrites(true)
	opts = opts.WithLogger(nil)
	opts = opts.WithCompression(options.Snappy)
	opts = opts.WithNumVersionsToKeep(1)

	return opts
}

// Open opens the store under dataPath, deriving its encryption key from seed.
// A new store records params with a fresh salt. When an existing store was
// created with different params it is rekeyed in place.
func Open(ctx context.Context, dataPath string, seed []byte, params kdf.Params) (*Store, error) {
	dbPath := filepath.Join(dataPath, DatabaseSubdir)

	exists, err := paramsFileExists(dataPath)
	if err != nil {
		return nil, err
	}

	if !exists {
		return create(ctx, dataPath, seed, params)
	}

	current, err := ReadParamsFile(dataPath)
	if err != nil {
		return nil, err
	}

	currentParams, err := current.KDFParams()
	if err != nil {
		return nil, err
	}

	key, err := current.DeriveKey(seed)
	if err != nil {
		return nil, err
	}

	if currentParams.Equal(params) {
		return NewStore(dbPath, key)
	}

	log.Info(ctx, "Rekeying local store",
		"from", formatKDFParams(currentParams),
		"to", formatKDFParams(params))

	return rekey(ctx, dataPath, seed, key, params)
}

// create sets up a brand new store and its params file.
func create(ctx context.Context, dataPath string, seed []byte, params kdf.Params) (*Store, error) {
	log.Debug(ctx, "Creating local store", "params", formatKDFParams(params))

	file, err := NewParamsFile(params)
	if err != nil {
		return nil, err
	}

	key, err := file.DeriveKey(seed)
	if err != nil {
		return nil, err
	}

	store, err := NewStore(filepath.Join(dataPath, DatabaseSubdir), key)
	if err != nil {
		return nil, err
	}

	if err := file.WriteTo(dataPath); err != nil {
		_ = store.Close()

		return nil, err
	}

	return store, nil
}

// rekey copies every live entry into a database encrypted under a key
// derived with params and swaps it in.
func rekey(ctx context.Context, dataPath string, seed, oldKey []byte, params kdf.Params) (*Store, error) {
	dbPath := filepath.Join(dataPath, DatabaseSubdir)
	rekeyPath := dbPath + rekeySuffix

	file, err := NewParamsFile(params)
	if err != nil {
		return nil, err
	}

	newKey, err := file.DeriveKey(seed)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(rekeyPath); err != nil {
		return nil, fmt.Errorf("failed to clear rekey directory: %w", err)
	}

	copied, err := copyDatabase(dbPath, oldKey, rekeyPath, newKey)
	if err != nil {
		return nil, err
	}

	oldPath := dbPath + ".old"
	if err := os.Rename(dbPath, oldPath); err != nil {
		return nil, fmt.Errorf("failed to move old database: %w", err)
	}

	if err := os.Rename(rekeyPath, dbPath); err != nil {
		return nil, fmt.Errorf("failed to move rekeyed database: %w", err)
	}

	if err := file.WriteTo(dataPath); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(oldPath); err != nil {
		log.Warn(ctx, "Failed to remove old database", "path", oldPath, "error", err.Error())
	}

	log.Info(ctx, "Rekeyed local store", "entries", copied)

	return NewStore(dbPath, newKey)
}

// copyDatabase copies live entries, keeping their remaining TTL.
func copyDatabase(srcPath string, srcKey []byte, dstPath string, dstKey []byte) (int, error) {
	src, err := badger.Open(databaseOptions(srcPath, srcKey))
	if err != nil {
		return 0, fmt.Errorf("failed to open database for rekey: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(dstPath, dirPermissions); err != nil {
		return 0, fmt.Errorf("failed to create rekey directory: %w", err)
	}

	dst, err := badger.Open(databaseOptions(dstPath, dstKey))
	if err != nil {
		return 0, fmt.Errorf("failed to open rekeyed database: %w", err)
	}
	defer dst.Close()

	batch := dst.NewWriteBatch()
	defer batch.Cancel()

	copied := 0

	if err := src.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if item.IsDeletedOrExpired() {
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy value for key %s: %w", item.Key(), err)
			}

			entry := badger.NewEntry(item.KeyCopy(nil), value)
			if expires := item.ExpiresAt(); expires > 0 {
				entry.ExpiresAt = expires
			}

			if err := batch.SetEntry(entry); err != nil {
				return fmt.Errorf("failed to write key %s: %w", item.Key(), err)
			}

			copied++
		}

		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to iterate database: %w", err)
	}

	if err := batch.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush rekeyed database: %w", err)
	}

	return copied, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// Set stores value as JSON under key. A positive expiry sets a TTL.
func (s *Store) Set(ctx context.Context, key string, value any, expiry time.Duration) error {
	defer metrics.RecordStorage(ctx, "set", time.Now())

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if expiry > 0 {
			entry = entry.WithTTL(expiry)
		}

		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("failed to update database: %w", err)
	}

	return nil
}

// Get unmarshals the value under key into value. Missing and expired keys
// return ErrNotFound.
func (s *Store) Get(ctx context.Context, key string, value any) error {
	defer metrics.RecordStorage(ctx, "get", time.Now())

	var data []byte

	if err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err //nolint:wrapcheck // mapped below
		}

		data, err = item.ValueCopy(nil)

		return err //nolint:wrapcheck // mapped below
	}); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return fmt.Errorf("failed to retrieve key %s: %w", key, err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	defer metrics.RecordStorage(ctx, "delete", time.Now())

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

// DeletePrefix removes every key with the given prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	defer metrics.RecordStorage(ctx, "delete_prefix", time.Now())

	if err := s.db.DropPrefix([]byte(prefix)); err != nil {
		return fmt.Errorf("failed to drop prefix %s: %w", prefix, err)
	}

	return nil
}

// List returns all keys with the given prefix.
func (s *Store) List(prefix string) ([]string, error) {
	var keys []string

	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %s: %w", prefix, err)
	}

	return keys, nil
}

// TTL returns the time-to-live for a key, zero when it never expires.
func (s *Store) TTL(key string) (time.Duration, error) {
	var ttl time.Duration

	if err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err //nolint:wrapcheck // mapped below
		}

		expires := item.ExpiresAt()
		if expires == 0 {
			return nil
		}

		if expires > math.MaxInt64 {
			return ErrExpirationTooLarge
		}

		ttl = time.Until(time.Unix(int64(expires), 0))

		return nil
	}); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return 0, fmt.Errorf("failed to get TTL for key %s: %w", key, err)
	}

	return ttl, nil
}

// Ping writes and reads back a probe value to confirm the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: database closed", badger.ErrDBClosed)
	}

	probe := time.Now().UnixNano()
	if err := s.Set(ctx, PrefixMeta+"ping", probe, time.Minute); err != nil {
		return err
	}

	var got int64
	if err := s.Get(ctx, PrefixMeta+"ping", &got); err != nil {
		return err
	}

	if got != probe {
		return fmt.Errorf("%w: probe mismatch", ErrNotFound)
	}

	return nil
}

// RunGC runs value log garbage collection. badger.ErrNoRewrite means there
// was nothing to collect and is not reported.
func (s *Store) RunGC() error {
	if err := s.db.RunValueLogGC(DefaultGCThreshold); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("failed to run garbage collection: %w", err)
	}

	return nil
}

// formatKDFParams formats KDF parameters for logging.
func formatKDFParams(params kdf.Params) string {
	switch typed := params.(type) {
	case *kdf.PBKDF2Params:
		hash := typed.HashFunc
		if hash == "" {
			hash = kdf.HashTypeSHA256
		}

		return fmt.Sprintf("pbkdf2(iterations=%d,hash=%s)", typed.Iterations, hash)

	case *kdf.Argon2idParams:
		return fmt.Sprintf("argon2id(iterations=%d,memory=%dKB,parallelism=%d)",
			typed.Iterations, typed.Memory, typed.Parallelism)

	case *kdf.ScryptParams:
		return fmt.Sprintf("scrypt(cost=%d,block_size=%d,parallelism=%d)",
			typed.Cost, typed.BlockSize, typed.Parallelism)

	default:
		return fmt.Sprintf("%s(unknown)", params.Type())
	}
}
