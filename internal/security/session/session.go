// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session manages user session lifecycle: creation with a per-user
// concurrency cap, sliding expiry bounded by an absolute lifetime,
// validation with suspicious-activity detection, and invalidation.
//
// Session state lives entirely in the store; the manager holds no session
// cache, so any number of processes sharing one database agree on which
// sessions are live.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/config"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/audit"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// sessionIDBytes yields the 64-character hex session identifier.
const sessionIDBytes = 32

// End reasons recorded on ended sessions.
const (
	ReasonExpired    = "expired"
	ReasonManual     = "manual"
	ReasonSuspicious = "suspicious_activity"
	ReasonEvicted    = "session_limit_exceeded"
	ReasonSecurity   = "security"
)

// =============================================================================
// TYPES
// =============================================================================

// ClientMetadata is the client fingerprint captured at creation and
// compared on every validation.
type ClientMetadata struct {
	IPAddress string
	UserAgent string
	IsMobile  bool
}

// ValidationResult reports the outcome of validating a session token.
// An invalid session is an expected outcome, not an error.
type ValidationResult struct {
	// Valid is true if the session exists, is active, and has not expired.
	Valid bool

	// Reason explains why validation failed (empty when valid).
	Reason string

	// Session is the validated session with refreshed expiry and counters
	// (nil when invalid).
	Session *store.Session

	// Suspicious is true if this request's client fingerprint diverged
	// from the one recorded at creation. Advisory only; the session
	// remains valid.
	Suspicious bool

	// SuspicionReason names what diverged (empty unless Suspicious).
	SuspicionReason string
}

// CreateResult reports a session creation, including any sessions evicted
// to honor the per-user cap.
type CreateResult struct {
	// Session is the newly created session.
	Session *store.Session

	// Evicted lists IDs of sessions ended to make room.
	Evicted []string
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager handles session lifecycle against the store.
type Manager struct {
	store    store.SessionStore
	cfg      config.SessionConfig
	detector *Detector
	auditor  *audit.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditLogger attaches a security event logger.
func WithAuditLogger(l *audit.Logger) Option {
	return func(m *Manager) {
		m.auditor = l
	}
}

// WithDetector replaces the default suspicious-activity detector.
func WithDetector(d *Detector) Option {
	return func(m *Manager) {
		m.detector = d
	}
}

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a session manager.
func NewManager(st store.SessionStore, cfg config.SessionConfig, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		cfg:      cfg,
		detector: NewDetector(config.Default().Detection),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// CREATION
// =============================================================================

// Create opens a new session for a user. If the user is at the concurrent
// session cap, the oldest active sessions are evicted in the same store
// transaction, so the cap holds under concurrent logins.
func (m *Manager) Create(ctx context.Context, userID string, meta ClientMetadata) (*CreateResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: user ID is required")
	}

	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sess := &store.Session{
		ID:            id,
		UserID:        userID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		IsMobile:      meta.IsMobile,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(m.cfg.IdleTimeout()),
		ActivityCount: 1,
		Active:        true,
	}

	evicted, err := m.store.InsertSession(ctx, sess, m.cfg.MaxSessionsPerUser)
	if err != nil {
		return nil, err
	}

	if m.auditor != nil {
		m.logEvent(ctx, audit.EventSessionCreated, audit.SeverityInfo, userID, id, meta, true, "session created")
		for _, evictedID := range evicted {
			m.logEvent(ctx, audit.EventSessionEvicted, audit.SeverityInfo, userID, evictedID, meta, true, "evicted at session cap")
		}
	}

	return &CreateResult{Session: sess, Evicted: evicted}, nil
}

// generateSessionID returns a 64-character hex identifier from 32 bytes of
// CSPRNG output.
func generateSessionID() (string, error) {
	raw := make([]byte, sessionIDBytes)
	if _, err := rand.Read(raw); err != nil {
		// SECURITY: Never fall back to weak randomness for session IDs.
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks a session token, slides its expiry forward, and compares
// the request's client fingerprint against the one recorded at creation.
//
// A missing, inactive, or expired session yields Valid=false with a reason;
// only store failures return an error. The sliding refresh never pushes
// expiry past the absolute lifetime measured from creation. A fingerprint
// divergence is recorded on the session and reported, but never invalidates
// it; that escalation is the orchestrator's call.
func (m *Manager) Validate(ctx context.Context, sessionID, ipAddress, userAgent string) (*ValidationResult, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return &ValidationResult{Reason: "session not found"}, nil
	}
	if err != nil {
		return nil, err
	}

	if !sess.Active {
		return &ValidationResult{Reason: "session inactive"}, nil
	}

	now := m.now().UTC()
	if !now.Before(sess.ExpiresAt) {
		// Lazy expiry; the sweep also catches these.
		if err := m.store.EndSession(ctx, sessionID, ReasonExpired, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if m.auditor != nil {
			m.logEvent(ctx, audit.EventSessionExpired, audit.SeverityInfo, sess.UserID, sessionID,
				ClientMetadata{IPAddress: ipAddress, UserAgent: userAgent}, false, "session expired")
		}
		return &ValidationResult{Reason: "session expired"}, nil
	}

	absoluteDeadline := sess.CreatedAt.Add(m.cfg.AbsoluteLifetime())
	if !now.Before(absoluteDeadline) {
		if err := m.store.EndSession(ctx, sessionID, ReasonExpired, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if m.auditor != nil {
			m.logEvent(ctx, audit.EventSessionExpired, audit.SeverityInfo, sess.UserID, sessionID,
				ClientMetadata{IPAddress: ipAddress, UserAgent: userAgent}, false, "absolute lifetime reached")
		}
		return &ValidationResult{Reason: "session expired"}, nil
	}

	suspicious, suspicionReason := m.detector.Check(sess, ipAddress, userAgent)

	// Slide expiry, capped by the absolute deadline. The touch bumps the
	// activity counter and, when flagged, the suspicion counter in one
	// store write.
	newExpiry := now.Add(m.cfg.IdleTimeout())
	if newExpiry.After(absoluteDeadline) {
		newExpiry = absoluteDeadline
	}
	if err := m.store.TouchSession(ctx, sessionID, now, newExpiry, suspicious); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with invalidation.
			return &ValidationResult{Reason: "session inactive"}, nil
		}
		return nil, err
	}
	sess.LastActivity = now
	sess.ExpiresAt = newExpiry
	sess.ActivityCount++
	if suspicious {
		sess.SuspiciousCount++
		sess.LastSuspiciousAt = now
	}

	result := &ValidationResult{Valid: true, Session: sess}

	if suspicious {
		result.Suspicious = true
		result.SuspicionReason = suspicionReason
		if m.auditor != nil {
			m.logEvent(ctx, audit.EventSuspiciousActivity, audit.SeverityWarning, sess.UserID, sessionID,
				ClientMetadata{IPAddress: ipAddress, UserAgent: userAgent}, true, suspicionReason)
		}
	}

	return result, nil
}

// =============================================================================
// INVALIDATION
// =============================================================================

// Invalidate ends one session. Returns true if the session was active and
// is now ended, false if it was already gone; neither case is an error.
func (m *Manager) Invalidate(ctx context.Context, sessionID, reason string) (bool, error) {
	if reason == "" {
		reason = ReasonManual
	}

	err := m.store.EndSession(ctx, sessionID, reason, m.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if m.auditor != nil {
		m.logEvent(ctx, audit.EventSessionInvalidated, audit.SeverityInfo, "", sessionID, ClientMetadata{}, true, "reason: "+reason)
	}
	return true, nil
}

// InvalidateAllForUser ends every active session a user holds and returns
// how many were ended. Used on password change and account compromise.
func (m *Manager) InvalidateAllForUser(ctx context.Context, userID, reason string) (int, error) {
	if reason == "" {
		reason = ReasonSecurity
	}

	n, err := m.store.EndUserSessions(ctx, userID, reason, m.now().UTC())
	if err != nil {
		return 0, err
	}

	if m.auditor != nil && n > 0 {
		m.logEvent(ctx, audit.EventSessionInvalidated, audit.SeverityInfo, userID, "", ClientMetadata{}, true,
			fmt.Sprintf("%d sessions ended, reason: %s", n, reason))
	}
	return n, nil
}

// SessionsForUser returns a user's active sessions, most recently
// active first.
func (m *Manager) SessionsForUser(ctx context.Context, userID string) ([]*store.Session, error) {
	return m.store.ActiveSessionsByUser(ctx, userID)
}

// =============================================================================
// SWEEPING
// =============================================================================

// CleanupExpired ends every active session past its expiry and returns how
// many were swept. Idempotent; safe to run concurrently with itself.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	n, err := m.store.ExpireSessionsBefore(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	if m.auditor != nil && n > 0 {
		m.logEvent(ctx, audit.EventSessionExpired, audit.SeverityInfo, "", "", ClientMetadata{}, true,
			fmt.Sprintf("%d expired sessions swept", n))
	}
	return n, nil
}

// RunSweeper runs CleanupExpired on an interval until ctx is cancelled.
// Intended to be launched as a goroutine at startup.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.CleanupExpired(ctx)
		}
	}
}

func (m *Manager) logEvent(ctx context.Context, t audit.EventType, sev audit.Severity, userID, sessionID string, meta ClientMetadata, success bool, description string) {
	_ = m.auditor.Log(ctx, audit.Event{
		Type:        t,
		Severity:    sev,
		UserID:      userID,
		SessionID:   sessionID,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		Success:     success,
		Description: description,
	})
}
