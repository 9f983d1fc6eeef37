// Package vault provides at-rest encryption for provider API keys and
// OAuth tokens. Values are sealed with AES-256-GCM into a versioned
// envelope; the master key lives in the OS keychain when one is
// reachable and otherwise derives from a configured passphrase.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	envelopePrefix = "v1:"
	keySize        = 32
)

// ErrNotEncrypted marks a value that does not carry the envelope
// prefix, so callers can treat imported plaintext deliberately.
var ErrNotEncrypted = errors.New("vault: not an encrypted envelope")

// Vault seals and opens short secrets with a fixed master key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Open loads or provisions the master key for the data dir and returns
// a ready vault. service names the keychain entry; passphrase is only
// consulted when no OS keychain is reachable.
func Open(service, dataDir, passphrase string) (*Vault, error) {
	key, err := LoadKey(service, dataDir, passphrase)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Encrypt seals plaintext into a v1 envelope: the base64 of a random
// nonce followed by the GCM ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a v1 envelope produced by Encrypt.
func (v *Vault) Decrypt(envelope string) (string, error) {
	if !IsEncrypted(envelope) {
		return "", ErrNotEncrypted
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("vault: decode envelope: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("vault: envelope too short")
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("vault: open envelope: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether s carries the envelope prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, envelopePrefix)
}
