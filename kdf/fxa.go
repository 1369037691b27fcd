package kdf

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// Namespace prefixes every Firefox Accounts HKDF info string and the
	// quick stretch salt.
	Namespace = "identity.mozilla.com/picl/v1/"

	// quickStretchIterations is fixed by the Firefox Accounts login protocol.
	quickStretchIterations = 1000

	// KeySize is the size of every key in the onepw protocol.
	KeySize = 32
)

// QuickStretch derives the quick stretched password for an account. The
// email is used as given and must already be in its canonical form.
func QuickStretch(email, password string) ([]byte, error) {
	params := &PBKDF2Params{Iterations: quickStretchIterations, HashFunc: HashTypeSHA256}

	return params.DeriveKey([]byte(password), []byte(Namespace+"quickStretch:"+email), KeySize)
}

// Expand runs HKDF-SHA256 with an empty salt over secret, using the info
// string Namespace+name, and returns size bytes.
func Expand(secret []byte, name string, size int) ([]byte, error) {
	return ExpandInfo(secret, Namespace+name, size)
}

// ExpandInfo runs HKDF-SHA256 with an empty salt and a literal info string.
func ExpandInfo(secret []byte, info string, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid hkdf output size: %d", ErrInvalidParams, size)
	}

	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf expansion failed: %w", err)
	}

	return out, nil
}

// XOR returns a^b. Both slices must have the same length.
func XOR(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: xor length mismatch: %d != %d", ErrInvalidParams, len(a), len(b))
	}

	out := make([]byte, len(a))
	subtle.XORBytes(out, a, b)

	return out, nil
}
