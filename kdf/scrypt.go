package kdf

import (
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ScryptParams holds parameters for Scrypt key derivation.
type ScryptParams struct {
	Cost        int `json:"cost"`        // N, a power of two
	BlockSize   int `json:"block_size"`  // r
	Parallelism int `json:"parallelism"` // p
}

// Type returns the KDF type for Scrypt.
func (p *ScryptParams) Type() Type {
	return TypeScrypt
}

// DeriveKey derives a key using Scrypt.
func (p *ScryptParams) DeriveKey(password, salt []byte, keyLen int) ([]byte, error) {
	switch {
	case p.Cost <= 1 || p.Cost&(p.Cost-1) != 0:
		return nil, fmt.Errorf("%w: invalid scrypt cost (must be power of 2): %d", ErrInvalidParams, p.Cost)
	case p.BlockSize <= 0:
		return nil, fmt.Errorf("%w: invalid scrypt block size: %d", ErrInvalidParams, p.BlockSize)
	case p.Parallelism <= 0:
		return nil, fmt.Errorf("%w: invalid scrypt parallelism: %d", ErrInvalidParams, p.Parallelism)
	case keyLen <= 0 || keyLen > maxKeyLen:
		return nil, fmt.Errorf("%w: invalid key length: %d", ErrInvalidParams, keyLen)
	case p.Cost > 1<<30/p.BlockSize/p.Parallelism:
		// cost*blockSize*parallelism must stay below 2^30
		return nil, fmt.Errorf("%w: scrypt parameters too large", ErrInvalidParams)
	}

	key, err := scrypt.Key(password, salt, p.Cost, p.BlockSize, p.Parallelism, keyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation failed: %w", err)
	}

	return key, nil
}

// Equal checks if two Scrypt parameters are equivalent.
func (p *ScryptParams) Equal(other Params) bool {
	o, ok := other.(*ScryptParams)

	return ok && *p == *o
}

// DefaultScryptParams returns default Scrypt parameters.
func DefaultScryptParams() *ScryptParams {
	return &ScryptParams{Cost: 1 << 15, BlockSize: 8, Parallelism: 1}
}

// ModerateScryptParams returns moderate security Scrypt parameters.
func ModerateScryptParams() *ScryptParams {
	return &ScryptParams{Cost: 1 << 16, BlockSize: 8, Parallelism: 2}
}

// HighScryptParams returns high security Scrypt parameters.
func HighScryptParams() *ScryptParams {
	return &ScryptParams{Cost: 1 << 20, BlockSize: 8, Parallelism: 1}
}
