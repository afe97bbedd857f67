// Package secrets encrypts credentials held at rest: the stored refresh token
// and the optional account password. Values are sealed with AES-GCM under a
// key derived from a per-install key file living next to the database.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileBytes     = 32
	pbkdf2Iterations = 4096
)

// The salt only separates derived keys between installs sharing a key file by
// accident; the key material itself comes from the key file.
var derivationSalt = []byte("crunchyd-session-store")

// Vault seals and opens stored secrets with a fixed derived key.
type Vault struct {
	key []byte
}

// Open loads the key file next to the database, creating a new random one if
// it does not exist, and returns a Vault using a key derived from it.
func Open(dbPath string) (*Vault, error) {
	keyPath := dbPath + ".key"

	material, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		material, err = createKeyFile(keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key file %s: %w", keyPath, err)
	}

	trimmed := strings.TrimSpace(string(material))
	if trimmed == "" {
		return nil, fmt.Errorf("key file %s is empty", keyPath)
	}

	key := pbkdf2.Key([]byte(trimmed), derivationSalt, pbkdf2Iterations, 32, sha256.New)
	return &Vault{key: key}, nil
}

// NewWithKey builds a Vault directly from key material. Used by tests.
func NewWithKey(material []byte) *Vault {
	key := pbkdf2.Key(material, derivationSalt, pbkdf2Iterations, 32, sha256.New)
	return &Vault{key: key}
}

func createKeyFile(keyPath string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	raw := make([]byte, keyFileBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	encoded := []byte(base64.StdEncoding.EncodeToString(raw))
	if err := os.WriteFile(keyPath, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return encoded, nil
}

// Seal encrypts a secret for storage.
func (v *Vault) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a secret sealed with Seal.
func (v *Vault) Open(encrypted string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
