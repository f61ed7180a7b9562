// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mfa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// EncryptedPrefix marks encrypted values.
	EncryptedPrefix = "ENC:"

	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12

	// PBKDF2Iterations per OWASP 2023 recommendation for SHA-256.
	PBKDF2Iterations = 600000

	// SaltSize is the PBKDF2 salt size in bytes.
	SaltSize = 16
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrDecryptionFailed indicates authentication or decryption failure.
	// SECURITY: Deliberately vague to avoid oracle attacks.
	ErrDecryptionFailed = errors.New("mfa: decryption failed")

	// ErrInvalidKeySize indicates the key is not 32 bytes.
	ErrInvalidKeySize = errors.New("mfa: key must be 32 bytes")

	// ErrNotEncrypted indicates the value lacks the encrypted prefix.
	ErrNotEncrypted = errors.New("mfa: value is not encrypted")
)

// =============================================================================
// SECRET CIPHER
// =============================================================================

// SecretCipher encrypts TOTP secrets at rest with AES-256-GCM.
//
// Wire format: "ENC:" + base64(nonce || ciphertext || tag). The nonce is
// random per encryption, so encrypting the same secret twice yields
// different envelopes.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher creates a cipher from a raw 32-byte key. The key is
// injected by the caller; this package never reads key material from disk
// or the environment itself.
func NewSecretCipher(key []byte) (*SecretCipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretCipher{aead: aead}, nil
}

// NewSecretCipherFromPassphrase derives a key from a passphrase and salt
// using PBKDF2-SHA256 and creates a cipher from it. The derived key is
// zeroed after the cipher is constructed.
func NewSecretCipherFromPassphrase(passphrase string, salt []byte) (*SecretCipher, error) {
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("mfa: salt must be at least %d bytes", SaltSize)
	}
	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
	defer ZeroBytes(key)
	return NewSecretCipher(key)
}

// GenerateSalt returns a new random PBKDF2 salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals a plaintext secret into the ENC: envelope.
func (c *SecretCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	envelope := make([]byte, 0, NonceSize+len(sealed))
	envelope = append(envelope, nonce...)
	envelope = append(envelope, sealed...)

	return EncryptedPrefix + base64.StdEncoding.EncodeToString(envelope), nil
}

// Decrypt opens an ENC: envelope. Any malformed input, wrong key, or
// tampered ciphertext is a hard error; there is no plaintext passthrough.
func (c *SecretCipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return "", ErrNotEncrypted
	}

	envelope, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(envelope) < NonceSize+c.aead.Overhead() {
		return "", ErrDecryptionFailed
	}

	nonce, sealed := envelope[:NonceSize], envelope[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value carries the encrypted envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// ZeroBytes overwrites a byte slice with zeros. Best effort; the GC may
// have copied the data already.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
