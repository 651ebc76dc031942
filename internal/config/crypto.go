package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	encPrefix    = "enc:"
	envSecretKey = "VARIANTFORGE_SECRET_KEY"
)

// SecretKey encrypts provider API keys with AES-256-GCM.
type SecretKey struct {
	key []byte
}

// NewSecretKey derives the key from VARIANTFORGE_SECRET_KEY when set.
// Otherwise it reads keyPath, generating and persisting a random key on
// first use.
func NewSecretKey(keyPath string) (*SecretKey, error) {
	if rawKey := os.Getenv(envSecretKey); rawKey != "" {
		h := sha256.Sum256([]byte(rawKey))
		return &SecretKey{key: h[:]}, nil
	}

	if data, err := os.ReadFile(keyPath); err == nil && len(data) >= 32 {
		return &SecretKey{key: data[:32]}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return &SecretKey{key: key}, nil
}

// DefaultSecretKeyPath places the key next to the database.
func DefaultSecretKeyPath(cfg *Config) string {
	if cfg.Paths.DBPath == ":memory:" || cfg.Paths.DBPath == "" {
		return filepath.Join(cfg.Paths.WorkspaceDir, "secret.key")
	}
	return filepath.Join(filepath.Dir(cfg.Paths.DBPath), "secret.key")
}

func (s *SecretKey) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt returns "enc:" followed by base64(nonce || ciphertext).
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned unchanged.
func (s *SecretKey) Decrypt(encrypted string) (string, error) {
	if !strings.HasPrefix(encrypted, encPrefix) {
		return encrypted, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// MaskSecret returns a display-safe form such as "****abcd".
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
