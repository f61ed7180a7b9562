// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType categorizes a security event.
type EventType string

// Authentication and session lifecycle events.
const (
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailed        EventType = "login_failed"
	EventAccountLocked      EventType = "account_locked"
	EventAccountUnlocked    EventType = "account_unlocked"
	EventSessionCreated     EventType = "session_created"
	EventSessionValidated   EventType = "session_validated"
	EventSessionExpired     EventType = "session_expired"
	EventSessionEvicted     EventType = "session_evicted"
	EventSessionInvalidated EventType = "session_invalidated"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventMFAEnrolled        EventType = "mfa_enrolled"
	EventMFAVerified        EventType = "mfa_verified"
	EventMFAFailed          EventType = "mfa_failed"
	EventMFABackupUsed      EventType = "mfa_backup_code_used"
	EventMFADisabled        EventType = "mfa_disabled"
	EventPermissionGranted  EventType = "permission_granted"
	EventPermissionRevoked  EventType = "permission_revoked"
	EventPermissionDenied   EventType = "permission_denied"
)

// Severity indicates how urgent an event is for review.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one security event before persistence.
type Event struct {
	Type        EventType
	Severity    Severity
	UserID      string
	SessionID   string
	IPAddress   string
	UserAgent   string
	Success     bool
	Description string

	// Metadata is optional structured context; values pass through the
	// redactor like the description.
	Metadata map[string]string
}

// =============================================================================
// LOGGER
// =============================================================================

// Logger appends security events to the store and optionally mirrors them
// to a log file. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	events   store.EventStore
	redactor Redactor
	now      func() time.Time

	// file mirror
	mirrorPath  string
	maxFileSize int64
	file        *os.File
	fileSize    int64
	signer      *Signer
}

// Option configures a Logger.
type Option func(*Logger)

// WithRedactor replaces the default pattern redactor.
func WithRedactor(r Redactor) Option {
	return func(l *Logger) {
		l.redactor = r
	}
}

// WithFileMirror enables the append-only file mirror at path, rotating at
// maxSizeMB megabytes.
func WithFileMirror(path string, maxSizeMB int) Option {
	return func(l *Logger) {
		l.mirrorPath = path
		l.maxFileSize = int64(maxSizeMB) * 1024 * 1024
	}
}

// WithMirrorSigning signs each mirror line with a chained HMAC so the file
// is tamper-evident. Only meaningful together with WithFileMirror.
func WithMirrorSigning(s *Signer) Option {
	return func(l *Logger) {
		l.signer = s
	}
}

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// NewLogger creates a security event logger on the given store.
func NewLogger(events store.EventStore, opts ...Option) (*Logger, error) {
	l := &Logger{
		events:   events,
		redactor: NewPatternRedactor(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.mirrorPath != "" {
		if err := l.openMirror(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Log records one event. Free text is redacted before it reaches any
// sink. Store errors are returned; mirror write failures are not fatal
// because the store copy already exists.
func (l *Logger) Log(ctx context.Context, e Event) error {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	rec := &store.SecurityEvent{
		ID:          uuid.NewString(),
		Timestamp:   l.now().UTC(),
		EventType:   string(e.Type),
		Severity:    string(e.Severity),
		UserID:      e.UserID,
		SessionID:   e.SessionID,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		Success:     e.Success,
		Description: l.redactor.Redact(e.Description),
	}
	if len(e.Metadata) > 0 {
		redacted := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			redacted[k] = l.redactor.Redact(v)
		}
		encoded, err := json.Marshal(redacted)
		if err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
		rec.Metadata = string(encoded)
	}

	if err := l.events.AppendEvent(ctx, rec); err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.writeMirrorLine(rec)
	}
	return nil
}

// Recent returns the newest events for a user (or all users if userID is
// empty), newest first.
func (l *Logger) Recent(ctx context.Context, userID string, limit int) ([]*store.SecurityEvent, error) {
	return l.events.RecentEvents(ctx, userID, limit)
}

// CountSince reports how many events of a type occurred since a cutoff.
func (l *Logger) CountSince(ctx context.Context, t EventType, since time.Time) (int, error) {
	return l.events.CountEventsSince(ctx, string(t), since)
}

// Close flushes and closes the file mirror.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// =============================================================================
// FILE MIRROR
// =============================================================================

func (l *Logger) openMirror() error {
	if err := os.MkdirAll(filepath.Dir(l.mirrorPath), 0700); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(l.mirrorPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	l.file = f
	l.fileSize = info.Size()
	return nil
}

// writeMirrorLine appends one pipe-delimited line; caller holds l.mu.
func (l *Logger) writeMirrorLine(rec *store.SecurityEvent) {
	line := FormatLogLine(rec)
	if l.signer != nil {
		line += "|" + macFieldPrefix + l.signer.Sign(line)
	}
	n, err := l.file.WriteString(line + "\n")
	if err != nil {
		return
	}
	l.fileSize += int64(n)
	if l.maxFileSize > 0 && l.fileSize >= l.maxFileSize {
		l.rotate()
	}
}

// rotate renames the current mirror to a timestamped file and reopens;
// caller holds l.mu. Rotation failure keeps writing to the current file.
func (l *Logger) rotate() {
	l.file.Close()
	l.file = nil

	rotated := fmt.Sprintf("%s.%s", l.mirrorPath, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(l.mirrorPath, rotated); err == nil && l.signer != nil {
		// Each mirror file carries its own chain.
		l.signer.Reset()
	}
	// On rename failure this reopens the original and keeps appending.
	_ = l.openMirror()
}

// FormatLogLine renders one event as a pipe-delimited log line.
func FormatLogLine(rec *store.SecurityEvent) string {
	status := "FAIL"
	if rec.Success {
		status = "OK"
	}
	fields := []string{
		rec.Timestamp.Format(time.RFC3339),
		rec.Severity,
		rec.EventType,
		status,
		"user=" + rec.UserID,
		"session=" + SanitizeSessionID(rec.SessionID),
		"ip=" + rec.IPAddress,
		rec.Description,
	}
	return strings.Join(fields, "|")
}

// SanitizeSessionID truncates a session ID for log output. Full session IDs
// are bearer credentials and must never appear in logs.
func SanitizeSessionID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 8 {
		return id + "..."
	}
	return id[:8] + "..."
}
