// Package crypto seals the stored credential at rest.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
)

// GenerateKey generates a random ChaCha20-Poly1305 key (32 bytes).
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey reads key material from path, generating and persisting a
// fresh key (mode 0600) on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("crypto: key file %s: want %d bytes, got %d", path, chacha20poly1305.KeySize, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("crypto: write key file: %w", err)
	}
	return key, nil
}

// TokenCipher handles ChaCha20-Poly1305 sealing of the bearer credential.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a token cipher from a 32-byte key.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

// Seal encrypts plaintext with a random nonce. The nonce is prepended to the
// returned ciphertext.
func (tc *TokenCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, tc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return tc.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob produced by Seal.
func (tc *TokenCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < tc.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := sealed[:tc.aead.NonceSize()], sealed[tc.aead.NonceSize():]
	plaintext, err := tc.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
