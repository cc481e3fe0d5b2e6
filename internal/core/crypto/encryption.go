// Package crypto encrypts connection secrets such as TLS private keys at rest.
// This is part of the Functional Core - apart from nonce generation all
// functions are pure.
//
// Secrets are encrypted with AES-256-GCM. The key is derived from the
// platform master secret with scrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyTooShort is returned when the encryption key is too short.
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")

	// ErrEmptyPassphrase is returned when deriving a key from an empty secret.
	ErrEmptyPassphrase = errors.New("passphrase is empty")

	// ErrInvalidCiphertext is returned when decryption fails due to invalid ciphertext.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when decryption fails (wrong key or corrupted data).
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// =============================================================================
// Key Derivation
// =============================================================================

// scrypt cost parameters.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	keyLength    = 32
	keyDerivSalt = "dockyard/connection-secrets/v1"
)

// DeriveKey derives a 32-byte AES-256 key from a passphrase using scrypt.
// The salt is fixed so the same passphrase always yields the same key and
// previously stored secrets stay readable across restarts.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return scrypt.Key([]byte(passphrase), []byte(keyDerivSalt), scryptN, scryptR, scryptP, keyLength)
}

// =============================================================================
// AES-256-GCM Encryption
// =============================================================================

// Encrypt encrypts plaintext using AES-256-GCM with the provided key.
//
// The ciphertext format is: nonce (12 bytes) || encrypted data || auth tag (16 bytes)
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) < keyLength {
		return nil, ErrKeyTooShort
	}

	block, err := aes.NewCipher(key[:keyLength])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// =============================================================================
// Text Column Helpers
// =============================================================================

// sealedPrefix marks values produced by SealString.
const sealedPrefix = "enc:v1:"

// EncryptToBase64 encrypts plaintext and returns base64-encoded ciphertext.
func EncryptToBase64(plaintext, key []byte) (string, error) {
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptFromBase64 decrypts base64-encoded ciphertext.
func DecryptFromBase64(encoded string, key []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return Decrypt(ciphertext, key)
}

// SealString encrypts a text value for storage. Empty values stay empty.
func SealString(value string, key []byte) (string, error) {
	if value == "" {
		return "", nil
	}
	encoded, err := EncryptToBase64([]byte(value), key)
	if err != nil {
		return "", err
	}
	return sealedPrefix + encoded, nil
}

// OpenString reverses SealString. Values without the sealed prefix are
// returned unchanged so rows written before a key was configured stay readable.
func OpenString(value string, key []byte) (string, error) {
	encoded, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	plaintext, err := DecryptFromBase64(encoded, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsSealed reports whether value was produced by SealString.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
