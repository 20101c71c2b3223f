// Package crypto seals machine-code blobs before they are persisted
// to the history database.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts data using ChaCha20-Poly1305. The nonce is prepended
// to the ciphertext.
func Seal(plaintext []byte, key []byte) ([]byte, error) {
	// Ensure key is 32 bytes
	if len(key) != chacha20poly1305.KeySize {
		key = padKey(key, chacha20poly1305.KeySize)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Open decrypts data sealed by Seal
func Open(ciphertext []byte, key []byte) ([]byte, error) {
	// Ensure key is 32 bytes
	if len(key) != chacha20poly1305.KeySize {
		key = padKey(key, chacha20poly1305.KeySize)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// padKey pads or truncates a key to the required size
func padKey(key []byte, size int) []byte {
	padded := make([]byte, size)
	copy(padded, key)
	return padded
}
