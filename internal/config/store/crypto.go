package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	keySize     = 32
	keyFileName = ".secrets.key"
	encPrefix   = "enc:v1:"
)

func encryptionKeyPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), keyFileName)
}

// loadEncryptionKey reads the key file. A missing file returns (nil, nil)
// so the caller can decide whether creating a fresh key is safe.
func loadEncryptionKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read encryption key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("config: encryption key %s has invalid size %d", path, len(key))
	}
	return key, nil
}

// createEncryptionKey generates a new key and writes it atomically. The
// temp-file plus hard-link dance makes concurrent daemon starts converge on
// a single key instead of overwriting each other.
func createEncryptionKey(path string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("config: generate encryption key: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), keyFileName+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("config: create encryption key: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("config: write encryption key: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("config: chmod encryption key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("config: close encryption key: %w", err)
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost the race; use whoever won.
			return loadEncryptionKey(path)
		}
		return nil, fmt.Errorf("config: install encryption key: %w", err)
	}
	return key, nil
}

func hasEncryptedValues(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identities WHERE api_hash LIKE ?`, encPrefix+"%",
	).Scan(&count)
	if err != nil {
		// Table may not exist yet on a fresh database.
		if strings.Contains(err.Error(), "no such table") {
			return false, nil
		}
		return false, fmt.Errorf("config: check encrypted values: %w", err)
	}
	return count > 0, nil
}

func (s *Store) encryptValue(plaintext string) (string, error) {
	if len(s.encryptionKey) != keySize {
		return "", errors.New("config: encryption key unavailable")
	}
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("config: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("config: init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("config: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decryptValue(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		// Legacy plaintext value.
		return stored, nil
	}
	if len(s.encryptionKey) != keySize {
		return "", errors.New("config: encryption key unavailable")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("config: decode encrypted value: %w", err)
	}
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("config: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("config: init gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("config: encrypted value truncated")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("config: decrypt value: %w", err)
	}
	return string(plaintext), nil
}
