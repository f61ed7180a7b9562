// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

func newTestLogger(t *testing.T, opts ...Option) (*Logger, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	l, err := NewLogger(st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, st
}

func TestLogAppendsToStore(t *testing.T) {
	l, st := newTestLogger(t)
	ctx := context.Background()

	err := l.Log(ctx, Event{
		Type:      EventLoginFailed,
		Severity:  SeverityWarning,
		UserID:    "alice",
		IPAddress: "10.0.0.1",
		Description: "invalid credentials",
	})
	require.NoError(t, err)

	events, err := st.RecentEvents(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, string(EventLoginFailed), events[0].EventType)
	require.Equal(t, string(SeverityWarning), events[0].Severity)
	require.NotEmpty(t, events[0].ID)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestLogDefaultsSeverityToInfo(t *testing.T) {
	l, st := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, Event{Type: EventSessionCreated, UserID: "bob", Success: true}))

	events, err := st.RecentEvents(ctx, "bob", 1)
	require.NoError(t, err)
	require.Equal(t, string(SeverityInfo), events[0].Severity)
}

func TestLogRedactsDescription(t *testing.T) {
	l, st := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, Event{
		Type:   EventMFAFailed,
		UserID: "alice",
		Description: "rejected code for secret=JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP",
	}))

	events, err := st.RecentEvents(ctx, "alice", 1)
	require.NoError(t, err)
	require.NotContains(t, events[0].Description, "JBSWY3DP")
	require.Contains(t, events[0].Description, "[REDACTED]")
}

func TestLogRedactsMetadata(t *testing.T) {
	l, st := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, Event{
		Type:      EventLoginFailed,
		UserID:    "alice",
		UserAgent: "curl/8.5.0",
		Metadata: map[string]string{
			"token":  "bearer abc123def456ghi789",
			"source": "login form",
		},
	}))

	events, err := st.RecentEvents(ctx, "alice", 1)
	require.NoError(t, err)
	require.Equal(t, "curl/8.5.0", events[0].UserAgent)

	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(events[0].Metadata), &meta))
	require.Equal(t, "login form", meta["source"])
	require.NotContains(t, meta["token"], "abc123def456")
}

func TestFileMirror(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l, _ := newTestLogger(t, WithFileMirror(path, 10))
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, Event{
		Type:      EventSessionCreated,
		UserID:    "alice",
		SessionID: strings.Repeat("ab", 32),
		Success:   true,
	}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	require.Contains(t, line, "session_created")
	require.Contains(t, line, "user=alice")
	// Full session IDs must never appear in the mirror
	require.NotContains(t, line, strings.Repeat("ab", 32))
	require.Contains(t, line, "abababab...")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMirrorRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	// 1 MB threshold; bulk detail lines cross it quickly
	l, _ := newTestLogger(t, WithFileMirror(path, 1), WithRedactor(NopRedactor{}))
	ctx := context.Background()

	big := strings.Repeat("x", 64*1024)
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Log(ctx, Event{Type: EventSessionValidated, UserID: "alice", Description: big}))
	}
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1, "expected at least one rotated file")
}

func TestCountSince(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Log(ctx, Event{Type: EventLoginFailed, UserID: "alice"}))
	}
	require.NoError(t, l.Log(ctx, Event{Type: EventLoginSuccess, UserID: "alice", Success: true}))

	n, err := l.CountSince(ctx, EventLoginFailed, start)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "abc..."},
		{"0123456789abcdef", "01234567..."},
	}
	for _, tt := range tests {
		if got := SanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("SanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPatternRedactor(t *testing.T) {
	r := NewPatternRedactor()

	tests := []struct {
		name   string
		in     string
		leaked string
	}{
		{"password kv", "login with password=hunter2secret", "hunter2"},
		{"bearer token", "header Bearer abc123def456tokenvalue", "abc123def456"},
		{"long hex", "session " + strings.Repeat("ab", 20) + " touched", strings.Repeat("ab", 20)},
		{"backup code", "used code 1a2b-3c4d today", "1a2b-3c4d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Redact(tt.in)
			require.NotContains(t, out, tt.leaked)
			require.Contains(t, out, "[REDACTED]")
		})
	}
}

func TestPatternRedactorLeavesCleanTextAlone(t *testing.T) {
	r := NewPatternRedactor()
	in := "session validated from new address"
	require.Equal(t, in, r.Redact(in))
}
