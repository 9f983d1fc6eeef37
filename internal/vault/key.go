package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/scrypt"
)

const keyringUser = "master-key"

// scrypt cost parameters, interactive profile.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// LoadKey obtains the 32-byte master key. The OS keychain is
// preferred; a missing entry is provisioned with fresh random bytes.
// Hosts without a secret service derive the key from the passphrase
// via scrypt, or fall back to a key file when none is configured.
func LoadKey(service, dataDir, passphrase string) ([]byte, error) {
	stored, err := keyring.Get(service, keyringUser)
	switch {
	case err == nil:
		key, decErr := base64.StdEncoding.DecodeString(stored)
		if decErr != nil || len(key) != keySize {
			return nil, errors.New("vault: stored master key is corrupt")
		}
		return key, nil
	case errors.Is(err, keyring.ErrNotFound):
		key := make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		if err := keyring.Set(service, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
			// The keychain refused the write; stay off it entirely so
			// every start resolves the same key.
			return fallbackKey(dataDir, passphrase)
		}
		return key, nil
	default:
		return fallbackKey(dataDir, passphrase)
	}
}

func fallbackKey(dataDir, passphrase string) ([]byte, error) {
	if passphrase != "" {
		salt, err := loadOrCreate(filepath.Join(dataDir, "vault.salt"), 16)
		if err != nil {
			return nil, err
		}
		return scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	}
	return loadOrCreate(filepath.Join(dataDir, "vault.key"), keySize)
}

// loadOrCreate returns the random bytes stored at path, generating the
// file on first use with owner-only permissions.
func loadOrCreate(path string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil || len(key) != size {
			return nil, fmt.Errorf("vault: %s is corrupt", filepath.Base(path))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
