// Package crypt implements the Sync 1.5 record encryption scheme: key
// bundles derived from the account sync key, the crypto/keys key ring and
// authenticated AES-256-CBC payloads.
package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkoelker/ffsclient/kdf"
)

const (
	// KeySize is the size of both halves of a key bundle.
	KeySize = 32

	// rootInfo is the HKDF info deriving the root bundle from kB.
	rootInfo = kdf.Namespace + "oldsync"

	// KeysCollection and KeysID locate the key ring record on the server.
	KeysCollection = "crypto"
	KeysID         = "keys"
)

var (
	// ErrIntegrity is returned when a payload HMAC does not verify.
	ErrIntegrity = errors.New("payload integrity check failed")

	// ErrMalformed is returned for payloads that cannot be parsed.
	ErrMalformed = errors.New("malformed payload")

	// ErrInvalidKey is returned for keys of the wrong size or encoding.
	ErrInvalidKey = errors.New("invalid key")
)

// KeyBundle is an AES-256 key plus an HMAC-SHA256 key.
type KeyBundle struct {
	EncryptionKey []byte
	HMACKey       []byte
}

// DeriveKeyBundle derives the root bundle from the master sync key. It
// decrypts the crypto/keys record and nothing else.
func DeriveKeyBundle(master []byte) (KeyBundle, error) {
	if len(master) == 0 {
		return KeyBundle{}, fmt.Errorf("%w: empty master key", ErrInvalidKey)
	}

	material, err := kdf.ExpandInfo(master, rootInfo, 2*KeySize)
	if err != nil {
		return KeyBundle{}, fmt.Errorf("failed to derive root bundle: %w", err)
	}

	return KeyBundle{EncryptionKey: material[:KeySize], HMACKey: material[KeySize:]}, nil
}

// NewKeyBundle returns a bundle of fresh random keys.
func NewKeyBundle() (KeyBundle, error) {
	material := make([]byte, 2*KeySize)
	if _, err := rand.Read(material); err != nil {
		return KeyBundle{}, fmt.Errorf("failed to generate key bundle: %w", err)
	}

	return KeyBundle{EncryptionKey: material[:KeySize], HMACKey: material[KeySize:]}, nil
}

// KeyBundleFromBase64 decodes the [encryption, hmac] pair used by crypto/keys.
func KeyBundleFromBase64(pair []string) (KeyBundle, error) {
	if len(pair) != 2 {
		return KeyBundle{}, fmt.Errorf("%w: key data must have two entries, got %d", ErrInvalidKey, len(pair))
	}

	enc, err := base64.StdEncoding.DecodeString(pair[0])
	if err != nil {
		return KeyBundle{}, fmt.Errorf("%w: encryption key: %w", ErrInvalidKey, err)
	}

	mac, err := base64.StdEncoding.DecodeString(pair[1])
	if err != nil {
		return KeyBundle{}, fmt.Errorf("%w: hmac key: %w", ErrInvalidKey, err)
	}

	bundle := KeyBundle{EncryptionKey: enc, HMACKey: mac}

	return bundle, bundle.Validate()
}

// Base64 encodes the bundle as an [encryption, hmac] pair.
func (k KeyBundle) Base64() []string {
	return []string{
		base64.StdEncoding.EncodeToString(k.EncryptionKey),
		base64.StdEncoding.EncodeToString(k.HMACKey),
	}
}

// Validate checks both keys have the right size.
func (k KeyBundle) Validate() error {
	if len(k.EncryptionKey) != KeySize || len(k.HMACKey) != KeySize {
		return fmt.Errorf("%w: want %d byte keys, got %d and %d",
			ErrInvalidKey, KeySize, len(k.EncryptionKey), len(k.HMACKey))
	}

	return nil
}

// KeyRing holds the default bundle and per-collection overrides from
// crypto/keys. It is read only once built.
type KeyRing struct {
	Default     KeyBundle
	Collections map[string]KeyBundle
}

// keysRecord is the decrypted crypto/keys payload.
type keysRecord struct {
	ID          string              `json:"id"`
	Collection  string              `json:"collection"`
	Default     []string            `json:"default"`
	Collections map[string][]string `json:"collections"`
}

// NewKeyRing returns a key ring with a random default bundle.
func NewKeyRing() (*KeyRing, error) {
	bundle, err := NewKeyBundle()
	if err != nil {
		return nil, err
	}

	return &KeyRing{Default: bundle, Collections: map[string]KeyBundle{}}, nil
}

// BundleFor returns the bundle for a collection, falling back to the default.
func (r *KeyRing) BundleFor(collection string) KeyBundle {
	if bundle, ok := r.Collections[collection]; ok {
		return bundle
	}

	return r.Default
}

// DecodeKeyRing parses a decrypted crypto/keys payload.
func DecodeKeyRing(plaintext []byte) (*KeyRing, error) {
	var record keysRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("%w: crypto/keys: %w", ErrMalformed, err)
	}

	def, err := KeyBundleFromBase64(record.Default)
	if err != nil {
		return nil, fmt.Errorf("crypto/keys default bundle: %w", err)
	}

	ring := &KeyRing{Default: def, Collections: make(map[string]KeyBundle, len(record.Collections))}

	for name, pair := range record.Collections {
		bundle, err := KeyBundleFromBase64(pair)
		if err != nil {
			return nil, fmt.Errorf("crypto/keys bundle for %s: %w", name, err)
		}

		ring.Collections[name] = bundle
	}

	return ring, nil
}

// Encode renders the key ring as a crypto/keys payload.
func (r *KeyRing) Encode() ([]byte, error) {
	record := keysRecord{
		ID:          KeysID,
		Collection:  KeysCollection,
		Default:     r.Default.Base64(),
		Collections: make(map[string][]string, len(r.Collections)),
	}

	for name, bundle := range r.Collections {
		record.Collections[name] = bundle.Base64()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal crypto/keys: %w", err)
	}

	return data, nil
}
