// Package kdf provides the key derivation functions used for the local
// state store and for Firefox Accounts key stretching.
package kdf

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidParams is returned when KDF parameters are invalid.
var ErrInvalidParams = errors.New("invalid KDF parameters")

// Type represents the key derivation function type.
type Type string

const (
	// TypePBKDF2 represents PBKDF2 key derivation.
	TypePBKDF2 Type = "pbkdf2"
	// TypeArgon2id represents Argon2id key derivation.
	TypeArgon2id Type = "argon2id"
	// TypeScrypt represents Scrypt key derivation.
	TypeScrypt Type = "scrypt"

	// maxKeyLen bounds derived key sizes for the memory hard functions.
	maxKeyLen = 1024
)

// Params is the interface that all KDF parameter types must implement.
type Params interface {
	// Type returns the KDF type.
	Type() Type
	// DeriveKey derives a key using the KDF parameters.
	DeriveKey(password, salt []byte, keyLen int) ([]byte, error)
	// Equal checks if two KDF parameters are equivalent.
	Equal(other Params) bool
}

// paramsWrapper is the on-disk form of a Params value.
type paramsWrapper struct {
	Type   Type            `json:"type"`
	Params json.RawMessage `json:"params"`
}

// MarshalParams marshals KDF parameters to JSON tagged with their type.
func MarshalParams(params Params) ([]byte, error) {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	data, err := json.Marshal(paramsWrapper{Type: params.Type(), Params: paramBytes})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wrapper: %w", err)
	}

	return data, nil
}

// UnmarshalParams unmarshals KDF parameters written by MarshalParams.
func UnmarshalParams(data []byte) (Params, error) {
	var wrapper paramsWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wrapper: %w", err)
	}

	var params Params

	switch wrapper.Type {
	case TypePBKDF2:
		params = &PBKDF2Params{}
	case TypeArgon2id:
		params = &Argon2idParams{}
	case TypeScrypt:
		params = &ScryptParams{}
	default:
		return nil, fmt.Errorf("%w: unknown KDF type: %s", ErrInvalidParams, wrapper.Type)
	}

	if err := json.Unmarshal(wrapper.Params, params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s params: %w", wrapper.Type, err)
	}

	return params, nil
}
