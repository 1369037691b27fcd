package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zenazn/pkcs7pad"
)

// Payload is the encrypted envelope stored in a BSO payload field.
type Payload struct {
	Ciphertext string `json:"ciphertext"` // base64
	IV         string `json:"IV"`         // base64
	HMAC       string `json:"hmac"`       // hex
}

// ParsePayload decodes the JSON envelope of a BSO payload.
func ParsePayload(raw string) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if payload.Ciphertext == "" || payload.IV == "" || payload.HMAC == "" {
		return Payload{}, fmt.Errorf("%w: missing ciphertext, IV or hmac", ErrMalformed)
	}

	return payload, nil
}

// String renders the envelope as the JSON string stored in a BSO.
func (p Payload) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}

	return string(data)
}

// mac computes the payload HMAC. Sync authenticates the base64 ciphertext
// text, not the raw bytes.
func mac(key KeyBundle, ciphertext string) []byte {
	h := hmac.New(sha256.New, key.HMACKey)
	h.Write([]byte(ciphertext))

	return h.Sum(nil)
}

// Encrypt encrypts plaintext with a fresh random IV.
func Encrypt(plaintext []byte, key KeyBundle) (Payload, error) {
	if err := key.Validate(); err != nil {
		return Payload{}, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return Payload{}, fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(key.EncryptionKey)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7pad.Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	return Payload{
		Ciphertext: encoded,
		IV:         base64.StdEncoding.EncodeToString(iv),
		HMAC:       hex.EncodeToString(mac(key, encoded)),
	}, nil
}

// Decrypt verifies the payload HMAC in constant time and only then
// decrypts it.
func Decrypt(payload Payload, key KeyBundle) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	expected, err := hex.DecodeString(payload.HMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: hmac encoding", ErrIntegrity)
	}

	if !hmac.Equal(expected, mac(key, payload.Ciphertext)) {
		return nil, ErrIntegrity
	}

	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: invalid IV", ErrMalformed)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext encoding: %w", ErrMalformed, err)
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformed, len(ciphertext))
	}

	block, err := aes.NewCipher(key.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

// unpad strips PKCS#7 padding. Some older clients padded JSON with other
// filler, so a payload whose padding does not verify is cut after its
// final closing brace when that brace sits in the last block.
func unpad(plaintext []byte) ([]byte, error) {
	if unpadded, err := pkcs7pad.Unpad(plaintext); err == nil {
		return unpadded, nil
	}

	end := bytes.LastIndexByte(plaintext, '}')
	if end < 0 || len(plaintext)-end-1 > aes.BlockSize {
		return nil, fmt.Errorf("%w: invalid padding", ErrMalformed)
	}

	return plaintext[:end+1], nil
}
