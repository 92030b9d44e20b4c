package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// ErrDecrypt is returned when a blob does not authenticate under the vault key
var ErrDecrypt = errors.New("keyvault: credential does not decrypt under the current key")

// Cipher seals credentials with AES-256-GCM. Blobs are nonce || ciphertext || tag.
type Cipher struct {
	aead cipher.AEAD
}

// DeriveKey stretches a master secret into an AES-256 key with HKDF-SHA256
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("keyvault: empty master secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("llm0-router caller credentials v1"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keyvault: derive key: %w", err)
	}
	return key, nil
}

// NewCipher creates a Cipher from a 32 byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("keyvault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvault: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyvault: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad
func (c *Cipher) Open(blob, aad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(blob) < ns+c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := c.aead.Open(nil, blob[:ns], blob[ns:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
