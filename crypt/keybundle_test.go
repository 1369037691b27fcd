package crypt_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/ffsclient/crypt"
)

func TestDeriveKeyBundle(t *testing.T) {
	t.Parallel()

	master, err := hex.DecodeString("7effd8a238454ed6a9eb8c9a6e4588a0d5bb4de0d0897649e3820510a2e29a1d")
	require.NoError(t, err)

	first, err := crypt.DeriveKeyBundle(master)
	require.NoError(t, err)
	require.NoError(t, first.Validate())

	second, err := crypt.DeriveKeyBundle(master)
	require.NoError(t, err)
	assert.Equal(t, first, second, "derivation must be deterministic")
	assert.NotEqual(t, first.EncryptionKey, first.HMACKey)

	other, err := crypt.DeriveKeyBundle(master[1:])
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	_, err = crypt.DeriveKeyBundle(nil)
	require.ErrorIs(t, err, crypt.ErrInvalidKey)
}

func TestKeyBundleBase64(t *testing.T) {
	t.Parallel()

	bundle := testBundle(t)

	decoded, err := crypt.KeyBundleFromBase64(bundle.Base64())
	require.NoError(t, err)
	assert.Equal(t, bundle, decoded)

	_, err = crypt.KeyBundleFromBase64([]string{"only-one"})
	require.ErrorIs(t, err, crypt.ErrInvalidKey)

	_, err = crypt.KeyBundleFromBase64([]string{"!!!", "AAAA"})
	require.ErrorIs(t, err, crypt.ErrInvalidKey)

	_, err = crypt.KeyBundleFromBase64([]string{"AAAA", "AAAA"})
	require.ErrorIs(t, err, crypt.ErrInvalidKey, "short keys are rejected")
}

func TestKeyRing(t *testing.T) {
	t.Parallel()

	ring, err := crypt.NewKeyRing()
	require.NoError(t, err)

	passwords := testBundle(t)
	ring.Collections["passwords"] = passwords

	assert.Equal(t, passwords, ring.BundleFor("passwords"))
	assert.Equal(t, ring.Default, ring.BundleFor("bookmarks"))

	encoded, err := ring.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"collection":"crypto"`)
	assert.Contains(t, string(encoded), `"id":"keys"`)

	decoded, err := crypt.DecodeKeyRing(encoded)
	require.NoError(t, err)
	assert.Equal(t, ring.Default, decoded.Default)
	assert.Equal(t, passwords, decoded.BundleFor("passwords"))

	_, err = crypt.DecodeKeyRing([]byte(`{"default":["AAAA"]}`))
	require.ErrorIs(t, err, crypt.ErrInvalidKey)

	_, err = crypt.DecodeKeyRing([]byte(`[`))
	require.ErrorIs(t, err, crypt.ErrMalformed)
}

func TestKeyRingThroughRootBundle(t *testing.T) {
	t.Parallel()

	root, err := crypt.DeriveKeyBundle([]byte("kB-kB-kB-kB-kB-kB-kB-kB-kB-kB-kB"))
	require.NoError(t, err)

	ring, err := crypt.NewKeyRing()
	require.NoError(t, err)

	plaintext, err := ring.Encode()
	require.NoError(t, err)

	payload, err := crypt.Encrypt(plaintext, root)
	require.NoError(t, err)

	decrypted, err := crypt.Decrypt(payload, root)
	require.NoError(t, err)

	restored, err := crypt.DecodeKeyRing(decrypted)
	require.NoError(t, err)
	assert.Equal(t, ring.Default, restored.Default)
}
