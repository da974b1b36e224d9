// Package secrets encrypts sensitive tenant config values at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/events"
)

// valuePrefix tags encrypted values in the store. The version bumps if the
// cipher or encoding ever changes, so old rows stay decryptable.
const valuePrefix = "enc:v1:"

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// EnvCipher encrypts the values of sensitive config keys before they reach
// the store. With no cipher key configured it passes values through
// unchanged.
type EnvCipher struct {
	key []byte
}

// NewEnvCipher derives the AES key from the configured cipher key. An empty
// key yields a disabled cipher.
func NewEnvCipher(cfg config.SecretsConfig) (*EnvCipher, error) {
	if cfg.CipherKey == "" {
		return &EnvCipher{}, nil
	}
	if len(cfg.CipherKey) < config.MinKeyLength {
		return nil, fmt.Errorf("cipher key must be at least %d bytes", config.MinKeyLength)
	}
	sum := sha256.Sum256([]byte(cfg.CipherKey))
	return &EnvCipher{key: sum[:]}, nil
}

// Enabled reports whether values will actually be encrypted.
func (c *EnvCipher) Enabled() bool {
	return len(c.key) == KeySize
}

// EncryptValue seals a single value. Disabled ciphers return the plaintext.
func (c *EnvCipher) EncryptValue(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	ciphertext, nonce, err := Encrypt([]byte(plaintext), c.key)
	if err != nil {
		return "", err
	}
	return valuePrefix + base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// DecryptValue opens a stored value. Values without the prefix are returned
// as-is, which covers rows written before encryption was enabled.
func (c *EnvCipher) DecryptValue(stored string) (string, error) {
	if !strings.HasPrefix(stored, valuePrefix) {
		return stored, nil
	}
	if !c.Enabled() {
		return "", fmt.Errorf("value is encrypted but no cipher key is configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, valuePrefix))
	if err != nil {
		return "", fmt.Errorf("decode value: %w", err)
	}
	nonceSize := gcmNonceSize(c.key)
	if len(raw) < nonceSize {
		return "", fmt.Errorf("encrypted value too short")
	}
	plaintext, err := Decrypt(raw[nonceSize:], raw[:nonceSize], c.key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptEnv seals the values of sensitive keys in an env map. Non-sensitive
// values pass through. The input map is not modified.
func (c *EnvCipher) EncryptEnv(env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if events.IsSensitiveKey(k) {
			sealed, err := c.EncryptValue(v)
			if err != nil {
				return nil, fmt.Errorf("encrypt %s: %w", k, err)
			}
			out[k] = sealed
			continue
		}
		out[k] = v
	}
	return out, nil
}

// DecryptEnv opens every value in a stored env map.
func (c *EnvCipher) DecryptEnv(env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, v := range env {
		plain, err := c.DecryptValue(v)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}

func gcmNonceSize(key []byte) int {
	block, err := aes.NewCipher(key)
	if err != nil {
		return 12
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return 12
	}
	return gcm.NonceSize()
}

// Encrypt encrypts plaintext using AES-256-GCM with a random nonce.
// Returns (ciphertext, nonce, error).
func Encrypt(plaintext, key []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}
