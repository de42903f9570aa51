// Package crypto provides the primitive encryption operations used by the
// key manager: RSA-2048 keypairs for private chats, AES-256-GCM content
// keys for group chats, and at-rest sealing of stored key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// SymmetricKeySize is the AES-256 key length in bytes.
const SymmetricKeySize = 32

// ErrCiphertextTooShort indicates a blob shorter than its IV prefix.
var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// GenerateSymmetricKey creates a random AES-256 key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// EncryptSymmetric encrypts plaintext with AES-256-GCM under a fresh random
// IV. The returned blob is IV || ciphertext so the IV travels with the
// payload.
func EncryptSymmetric(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	return aead.Seal(iv, iv, plaintext, nil), nil
}

// DecryptSymmetric reverses EncryptSymmetric.
func DecryptSymmetric(key, blob []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	iv, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("symmetric decrypt: %w", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("symmetric key must be %d bytes, got %d", SymmetricKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}
