// Package secretbox seals client secrets held by the backend proxy so they
// are never kept in plaintext at rest.
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrEmptyKey      = errors.New("secretbox key is empty")
	ErrMalformedSeal = errors.New("sealed value is malformed")
)

const keyInfo = "go-oauth-flows client secret vault"

// Box seals and opens values with XChaCha20-Poly1305.
type Box struct {
	key []byte
}

// New derives the sealing key from passphrase with HKDF-SHA256.
func New(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("[secretbox.New] derive key: %w", err)
	}
	return &Box{key: key}, nil
}

// Seal encrypts plaintext, binding it to associatedData (the client id).
func (b *Box) Seal(plaintext, associatedData string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("[secretbox.Seal] %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("[secretbox.Seal] nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(associatedData))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (b *Box) Open(sealed, associatedData string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformedSeal
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("[secretbox.Open] %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformedSeal
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(associatedData))
	if err != nil {
		return "", fmt.Errorf("[secretbox.Open] %w", err)
	}
	return string(plaintext), nil
}
