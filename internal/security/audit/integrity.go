// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// =============================================================================
// MIRROR INTEGRITY
// =============================================================================

// hmacKeyEnvVar overrides the key file when set (hex-encoded key).
const hmacKeyEnvVar = "DINOAIR_SECURITY_AUDIT_HMAC_KEY"

// hmacKeyFile is the key file name inside the audit directory.
const hmacKeyFile = ".audit_hmac_key"

// minKeyBytes is the smallest accepted HMAC key.
const minKeyBytes = 32

// macFieldPrefix marks the integrity field appended to each mirror line.
const macFieldPrefix = "mac="

// Signer produces a chained HMAC-SHA256 over mirror lines. Each MAC covers
// the previous MAC plus the current line, so removing, reordering, or
// editing any line breaks every MAC after it.
type Signer struct {
	mu   sync.Mutex
	key  []byte
	prev []byte
}

// NewSigner creates a signer from raw key material.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("audit: HMAC key must be at least %d bytes, got %d", minKeyBytes, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// LoadSignerKey resolves the HMAC key: the environment variable wins, then
// the key file in auditDir, which is created with a fresh random key on
// first use.
func LoadSignerKey(auditDir string) ([]byte, error) {
	if encoded := os.Getenv(hmacKeyEnvVar); encoded != "" {
		key, err := hex.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("audit: %s is not valid hex: %w", hmacKeyEnvVar, err)
		}
		if len(key) < minKeyBytes {
			return nil, fmt.Errorf("audit: %s decodes to %d bytes, need %d", hmacKeyEnvVar, len(key), minKeyBytes)
		}
		return key, nil
	}

	path := filepath.Join(auditDir, hmacKeyFile)
	if data, err := os.ReadFile(path); err == nil {
		key, derr := hex.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil || len(key) < minKeyBytes {
			return nil, fmt.Errorf("audit: key file %s is corrupt", path)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: cannot read key file: %w", err)
	}

	key := make([]byte, minKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: cannot generate HMAC key: %w", err)
	}
	if err := os.MkdirAll(auditDir, 0700); err != nil {
		return nil, fmt.Errorf("audit: cannot create audit directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("audit: cannot write key file: %w", err)
	}
	return key, nil
}

// Sign MACs one line and advances the chain. The returned value is the
// hex-encoded MAC to append to the line.
func (s *Signer) Sign(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	mac := s.compute(s.prev, line)
	s.prev = mac
	return hex.EncodeToString(mac)
}

// Reset restarts the chain, called when the mirror rotates to a new file.
func (s *Signer) Reset() {
	s.mu.Lock()
	s.prev = nil
	s.mu.Unlock()
}

func (s *Signer) compute(prev []byte, line string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(prev)
	h.Write([]byte(line))
	return h.Sum(nil)
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerifyMirror checks every signed line of a mirror file against the key.
// Returns true when the whole chain holds; otherwise false plus one issue
// per broken or unsigned line. The chain starts empty at the top of the
// file, matching a signer attached to a fresh or rotated mirror.
func VerifyMirror(path string, key []byte) (bool, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, nil, fmt.Errorf("audit: cannot open mirror: %w", err)
	}
	defer f.Close()
	return verifyChain(f, key)
}

func verifyChain(r io.Reader, key []byte) (bool, []string, error) {
	s, err := NewSigner(key)
	if err != nil {
		return false, nil, err
	}

	var issues []string
	var prev []byte
	lineNo := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if raw == "" {
			continue
		}

		i := strings.LastIndex(raw, "|"+macFieldPrefix)
		if i < 0 {
			issues = append(issues, fmt.Sprintf("line %d: missing integrity field", lineNo))
			continue
		}
		body, encoded := raw[:i], raw[i+1+len(macFieldPrefix):]
		got, derr := hex.DecodeString(encoded)
		if derr != nil {
			issues = append(issues, fmt.Sprintf("line %d: malformed MAC", lineNo))
			continue
		}

		want := s.compute(prev, body)
		if subtle.ConstantTimeCompare(got, want) != 1 {
			issues = append(issues, fmt.Sprintf("line %d: MAC mismatch", lineNo))
			// Track the recorded MAC so a single bad line is reported
			// once rather than cascading through the rest of the file.
			prev = got
			continue
		}
		prev = want
	}
	if err := scanner.Err(); err != nil {
		return false, issues, fmt.Errorf("audit: mirror read failed: %w", err)
	}
	return len(issues) == 0, issues, nil
}
