// Package crypto encrypts secrets at rest, namely the login cookies of the
// bot account, with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Encryptor performs authenticated encryption.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// ErrAuthFailed is returned for ciphertext that does not authenticate
// (tampered, truncated or sealed under another key).
var ErrAuthFailed = errors.New("decryption failed: authentication or integrity check failed")

// AESEncryptor implements Encryptor using AES-256-GCM. Output layout is
// nonce || ciphertext || tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// FromKey returns an Encryptor for base64Key, or nil when the key is empty
// (encryption disabled).
func FromKey(base64Key string) (Encryptor, error) {
	if base64Key == "" {
		return nil, nil
	}
	enc, err := NewAESEncryptor(base64Key)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+e.aead.Overhead(), len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// EncryptString encrypts s and returns base64 suitable for text columns.
// The empty string maps to itself.
func EncryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString reverses EncryptString.
func DecryptString(enc Encryptor, b64 string) (string, error) {
	if b64 == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
