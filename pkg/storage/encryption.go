package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// saltFile holds the random salt used to derive the at-rest key.
	saltFile = "KEYSALT"

	saltSize       = 16
	keyIterations  = 100000
	derivedKeySize = 32 // AES-256
)

// ErrEmptyPassphrase is returned when encryption is requested without a passphrase.
var ErrEmptyPassphrase = errors.New("encryption: empty passphrase")

// DeriveEncryptionKey turns a passphrase into a 32-byte key for
// BadgerOptions.EncryptionKey using PBKDF2-SHA256.
//
// The salt lives next to the data in dataDir/KEYSALT and is created on first
// use. Losing the salt file makes the store unreadable. An empty dataDir
// (in-memory stores) uses a fresh random salt.
func DeriveEncryptionKey(passphrase, dataDir string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	salt, err := loadOrCreateSalt(dataDir)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(passphrase), salt, keyIterations, derivedKeySize, sha256.New), nil
}

func loadOrCreateSalt(dataDir string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if dataDir == "" {
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("encryption: failed to generate salt: %w", err)
		}
		return salt, nil
	}

	path := filepath.Join(dataDir, saltFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != saltSize {
			return nil, fmt.Errorf("encryption: corrupt salt file %s: %w", path, ErrInvalidData)
		}
		return data, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("encryption: failed to read salt: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("encryption: failed to create data dir: %w", err)
	}
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("encryption: failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("encryption: failed to write salt: %w", err)
	}
	return salt, nil
}
