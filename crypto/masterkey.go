package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/hkdf"
)

// EnsureMasterKey loads the local master secret, generating and persisting
// a fresh one (0600) on first run. All stored private key material is
// sealed under subkeys derived from it.
func EnsureMasterKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		decoded, decErr := base64.StdEncoding.DecodeString(string(raw))
		if decErr != nil {
			return nil, fmt.Errorf("decode master key: %w", decErr)
		}
		if len(decoded) != SymmetricKeySize {
			return nil, fmt.Errorf("master key must be %d bytes, got %d", SymmetricKeySize, len(decoded))
		}
		return decoded, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key, err := GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

// DeriveSealKey derives a purpose-bound subkey from the master secret via
// HKDF-SHA256. Distinct labels yield independent keys.
func DeriveSealKey(master []byte, label string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte(label))
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return key, nil
}

// Seal encrypts stored key material under a seal key and encodes it for a
// text column.
func Seal(sealKey, plaintext []byte) (string, error) {
	blob, err := EncryptSymmetric(sealKey, plaintext)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open reverses Seal.
func Open(sealKey []byte, sealed string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed blob: %w", err)
	}

	plaintext, err := DecryptSymmetric(sealKey, blob)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}
