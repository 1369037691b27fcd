package kdf

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams holds parameters for Argon2id key derivation.
type Argon2idParams struct {
	Iterations  uint32 `json:"iterations"`
	Memory      uint32 `json:"memory"` // KiB
	Parallelism uint8  `json:"parallelism"`
}

// Type returns the KDF type for Argon2id.
func (p *Argon2idParams) Type() Type {
	return TypeArgon2id
}

// DeriveKey derives a key using Argon2id.
func (p *Argon2idParams) DeriveKey(password, salt []byte, keyLen int) ([]byte, error) {
	switch {
	case p.Iterations == 0:
		return nil, fmt.Errorf("%w: invalid argon2id iterations: %d", ErrInvalidParams, p.Iterations)
	case p.Memory == 0:
		return nil, fmt.Errorf("%w: invalid argon2id memory: %d", ErrInvalidParams, p.Memory)
	case p.Parallelism == 0:
		return nil, fmt.Errorf("%w: invalid argon2id parallelism: %d", ErrInvalidParams, p.Parallelism)
	case keyLen <= 0 || keyLen > maxKeyLen:
		return nil, fmt.Errorf("%w: invalid argon2id key length: %d", ErrInvalidParams, keyLen)
	}

	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, uint32(keyLen)), nil
}

// Equal checks if two Argon2id parameters are equivalent.
func (p *Argon2idParams) Equal(other Params) bool {
	o, ok := other.(*Argon2idParams)

	return ok && *p == *o
}

// DefaultArgon2idParams returns default Argon2id parameters (OWASP 2023 recommendation).
func DefaultArgon2idParams() *Argon2idParams {
	return &Argon2idParams{Iterations: 2, Memory: 19 * 1024, Parallelism: 1}
}

// ModerateArgon2idParams returns moderate security Argon2id parameters.
func ModerateArgon2idParams() *Argon2idParams {
	return &Argon2idParams{Iterations: 3, Memory: 64 * 1024, Parallelism: 4}
}

// HighArgon2idParams returns high security Argon2id parameters.
func HighArgon2idParams() *Argon2idParams {
	return &Argon2idParams{Iterations: 4, Memory: 128 * 1024, Parallelism: 8}
}
