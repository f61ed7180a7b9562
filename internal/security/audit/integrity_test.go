// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

func testHMACKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, minKeyBytes)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestSignerRejectsShortKey(t *testing.T) {
	if _, err := NewSigner(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSignedMirrorVerifies(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key := testHMACKey(t)
	signer, err := NewSigner(key)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "security.log")
	l, err := NewLogger(st, WithFileMirror(path, 10), WithMirrorSigning(signer))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Log(ctx, Event{Type: EventLoginFailed, UserID: "alice", Description: "password rejected"}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ok, issues, err := VerifyMirror(path, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("chain did not verify: %v", issues)
	}
}

func TestVerifyDetectsEditedLine(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key := testHMACKey(t)
	signer, err := NewSigner(key)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "security.log")
	l, err := NewLogger(st, WithFileMirror(path, 10), WithMirrorSigning(signer))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Log(ctx, Event{Type: EventLoginFailed, UserID: "alice", Description: "password rejected"}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	tampered := bytes.Replace(data, []byte("alice"), []byte("mallory"), 1)
	if bytes.Equal(tampered, data) {
		t.Fatal("tampering had no effect")
	}
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("write tampered mirror: %v", err)
	}

	ok, issues, err := VerifyMirror(path, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("edited line must break verification")
	}
	if len(issues) != 1 {
		t.Fatalf("want exactly one issue, got %v", issues)
	}
	if !strings.Contains(issues[0], "line 1") {
		t.Fatalf("issue should name line 1: %v", issues)
	}
}

func TestVerifyDetectsRemovedLine(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key := testHMACKey(t)
	signer, err := NewSigner(key)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "security.log")
	l, err := NewLogger(st, WithFileMirror(path, 10), WithMirrorSigning(signer))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := l.Log(ctx, Event{Type: EventSessionCreated, UserID: "alice", Success: true}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("want 4 lines, got %d", len(lines))
	}
	// Drop the second line
	reduced := strings.Join(append(lines[:1], lines[2:]...), "\n") + "\n"
	if err := os.WriteFile(path, []byte(reduced), 0600); err != nil {
		t.Fatalf("write reduced mirror: %v", err)
	}

	ok, _, err := VerifyMirror(path, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("removed line must break verification")
	}
}

func TestVerifyUnsignedMirrorFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	if err := os.WriteFile(path, []byte("2026-05-01T00:00:00Z|info|login_success|OK|user=a|session=|ip=|\n"), 0600); err != nil {
		t.Fatalf("write mirror: %v", err)
	}

	ok, issues, err := VerifyMirror(path, testHMACKey(t))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok || len(issues) == 0 {
		t.Fatal("unsigned line must be reported")
	}
}

func TestLoadSignerKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadSignerKey(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(first) < minKeyBytes {
		t.Fatalf("key too short: %d", len(first))
	}

	// A second load returns the same persisted key
	second, err := LoadSignerKey(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("key changed between loads")
	}

	info, err := os.Stat(filepath.Join(dir, hmacKeyFile))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Fatalf("key file too permissive: %o", perm)
	}
}

func TestLoadSignerKeyFromEnv(t *testing.T) {
	key := testHMACKey(t)
	t.Setenv(hmacKeyEnvVar, "  "+hex.EncodeToString(key)+"\n")

	got, err := LoadSignerKey(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("env key not honored")
	}
}

func TestLoadSignerKeyRejectsBadEnv(t *testing.T) {
	t.Setenv(hmacKeyEnvVar, "not-hex")
	if _, err := LoadSignerKey(t.TempDir()); err == nil {
		t.Fatal("expected error for malformed env key")
	}

	t.Setenv(hmacKeyEnvVar, "abcd")
	if _, err := LoadSignerKey(t.TempDir()); err == nil {
		t.Fatal("expected error for short env key")
	}
}
