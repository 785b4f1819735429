// Package crypto encrypts tenant secrets at rest with AES-256-GCM, in the
// three-token hex wire format the store expects: iv:tag:ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/layer3studios/proxyclaw/internal/apperr"
)

const (
	keyBytes = 32
	ivBytes  = 12
	tagBytes = 16
)

// Manager encrypts and decrypts secret fields with a fixed 32-byte key.
type Manager struct {
	key []byte
}

// NewManager builds a Manager from a 32-byte key.
func NewManager(key []byte) (*Manager, error) {
	if len(key) != keyBytes {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keyBytes, len(key))
	}
	return &Manager{key: key}, nil
}

// NewManagerFromHex builds a Manager from a 64-hex-character key, the form
// the ENCRYPTION_KEY environment variable is configured in.
func NewManagerFromHex(hexKey string) (*Manager, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewManager(key)
}

func (m *Manager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt returns plaintext encrypted as "hex(iv):hex(tag):hex(ciphertext)".
func (m *Manager) Encrypt(plaintext string) (string, error) {
	gcm, err := m.gcm()
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivBytes)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagBytes], sealed[len(sealed)-tagBytes:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt reverses Encrypt. A tag mismatch (tampering, or a key change)
// surfaces as apperr.Tampered rather than a generic error.
func (m *Manager) Decrypt(wire string) (string, error) {
	iv, tag, ciphertext, err := splitWire(wire)
	if err != nil {
		return "", err
	}

	gcm, err := m.gcm()
	if err != nil {
		return "", err
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", apperr.Tampered("decryption failed: authentication tag mismatch")
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether s is already in the three-hex-token wire form.
// The iv and tag tokens must be non-empty; the ciphertext token is empty
// when the plaintext was empty.
func IsEncrypted(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return false
	}
	for _, p := range parts {
		if !isHex(p) {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func splitWire(wire string) (iv, tag, ciphertext []byte, err error) {
	parts := strings.Split(wire, ":")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("malformed ciphertext: want 3 colon-separated hex tokens, got %d", len(parts))
	}
	iv, err = hex.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err = hex.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode tag: %w", err)
	}
	ciphertext, err = hex.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(iv) != ivBytes {
		return nil, nil, nil, fmt.Errorf("iv must be %d bytes, got %d", ivBytes, len(iv))
	}
	if len(tag) != tagBytes {
		return nil, nil, nil, fmt.Errorf("tag must be %d bytes, got %d", tagBytes, len(tag))
	}
	return iv, tag, ciphertext, nil
}
