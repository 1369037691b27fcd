package storage

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jkoelker/ffsclient/kdf"
)

// ParamsFile records how the store encryption key is derived from the seed.
// It lives next to the database because the key cannot be recovered from the
// database itself.
type ParamsFile struct {
	Version   int             `json:"version"`
	Params    json.RawMessage `json:"params"` // kdf.MarshalParams output
	Salt      string          `json:"salt"`   // base64
	CreatedAt time.Time       `json:"created_at"`
}

// NewParamsFile creates a params file with a fresh random salt.
func NewParamsFile(params kdf.Params) (*ParamsFile, error) {
	wrapped, err := kdf.MarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal KDF params: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &ParamsFile{
		Version:   ParamsFileVersion,
		Params:    wrapped,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// KDFParams returns the decoded KDF parameters.
func (p *ParamsFile) KDFParams() (kdf.Params, error) {
	params, err := kdf.UnmarshalParams(p.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal KDF params: %w", err)
	}

	return params, nil
}

// DeriveKey derives the store encryption key from seed.
func (p *ParamsFile) DeriveKey(seed []byte) ([]byte, error) {
	params, err := p.KDFParams()
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(p.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}

	key, err := params.DeriveKey(seed, salt, AES256KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return key, nil
}

// WriteTo writes the params file into dataPath.
func (p *ParamsFile) WriteTo(dataPath string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal KDF params file: %w", err)
	}

	if err := os.MkdirAll(dataPath, dirPermissions); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Write then rename so a crash never leaves a half written file behind.
	path := filepath.Join(dataPath, ParamsFileName)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write KDF params file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace KDF params file: %w", err)
	}

	return nil
}

// ReadParamsFile reads the params file from dataPath. It returns an error
// wrapping os.ErrNotExist when the store was never created.
func ReadParamsFile(dataPath string) (*ParamsFile, error) {
	data, err := os.ReadFile(filepath.Join(filepath.Clean(dataPath), ParamsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read KDF params file: %w", err)
	}

	var file ParamsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal KDF params file: %w", err)
	}

	if file.Version != ParamsFileVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedParamsVersion, file.Version)
	}

	if file.Salt == "" {
		return nil, ErrMissingSalt
	}

	if _, err := file.KDFParams(); err != nil {
		return nil, err
	}

	return &file, nil
}

// paramsFileExists reports whether dataPath already holds a params file.
func paramsFileExists(dataPath string) (bool, error) {
	_, err := os.Stat(filepath.Join(dataPath, ParamsFileName))

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat KDF params file: %w", err)
	}
}
