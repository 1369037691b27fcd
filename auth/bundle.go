package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/jkoelker/ffsclient/kdf"
)

// errBundleMAC is returned when a response bundle fails verification.
var errBundleMAC = errors.New("bundle hmac mismatch")

// unbundle verifies and decrypts a bundle returned by the auth server: an
// XOR stream ciphertext followed by its 32 byte HMAC.
func unbundle(namespace string, bundleKey, bundle []byte) ([]byte, error) {
	if len(bundle) <= sha256.Size {
		return nil, fmt.Errorf("bundle too short: %d bytes", len(bundle))
	}

	ciphertext := bundle[:len(bundle)-sha256.Size]
	expected := bundle[len(bundle)-sha256.Size:]

	material, err := kdf.Expand(bundleKey, namespace, kdf.KeySize+len(ciphertext))
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, material[:kdf.KeySize])
	mac.Write(ciphertext)

	if !hmac.Equal(mac.Sum(nil), expected) {
		return nil, errBundleMAC
	}

	return kdf.XOR(ciphertext, material[kdf.KeySize:])
}
