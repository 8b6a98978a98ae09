// Package sealer wraps provider credentials before they cross the
// wire. The control plane seals a plaintext key under a key shared
// with the trusted runtime; agent code only ever sees the sealed form.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	prefix  = "AES256"
	keySize = 32
)

// ErrUnseal indicates the payload failed authentication or was
// malformed. The cause is deliberately not distinguished.
var ErrUnseal = errors.New("cannot unseal credential")

// Sealer encrypts and decrypts credential payloads with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// New builds a Sealer from a 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// NewFromHex builds a Sealer from a 64-character hex key, the form the
// key takes in configuration.
func NewFromHex(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode sealing key: %w", err)
	}
	return New(key)
}

// Seal encrypts plaintext into the transport form
// AES256:<iv_b64>:<ciphertext_b64>:<tag_b64>. Every call draws a fresh
// nonce; sealing the same plaintext twice yields different payloads.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("draw nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - s.aead.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]
	return strings.Join([]string{
		prefix,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(tag),
	}, ":"), nil
}

// Unseal reverses Seal. Any tampering with the nonce, ciphertext, or
// tag fails authentication and returns ErrUnseal.
func (s *Sealer) Unseal(payload string) (string, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 4 || parts[0] != prefix {
		return "", ErrUnseal
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != s.aead.NonceSize() {
		return "", ErrUnseal
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrUnseal
	}
	tag, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil || len(tag) != s.aead.Overhead() {
		return "", ErrUnseal
	}
	plaintext, err := s.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrUnseal
	}
	return string(plaintext), nil
}
