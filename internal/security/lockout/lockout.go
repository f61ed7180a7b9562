// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package lockout implements progressive account lockout after repeated
// failed authentication attempts, tracked per (identifier, type) pair
// where type distinguishes email identifiers from client addresses.
//
// Escalation is a step function of the consecutive failure count:
//
//	fewer than 3 failures  -> level 0 (not locked)
//	3-4 failures           -> level 1
//	5-9 failures           -> level 2
//	10-14 failures         -> level 3
//	15 or more failures    -> level 4
//
// Each level maps to a configured lock duration; durations never decrease
// as the level rises. Successful authentication resets the counters (the
// orchestrator calls ClearLockout; this package never infers success).
// Records are reset, never deleted, so attempt history stays available
// for statistics.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/config"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/audit"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrLocked indicates the identifier is currently locked out.
var ErrLocked = errors.New("lockout: identifier is locked")

// =============================================================================
// TYPES
// =============================================================================

// Status describes the current lockout state of an (identifier, type) pair.
// Locked is computed from LockedUntil against the clock, never stored, so
// an expired lock reports unlocked without a write.
type Status struct {
	// Locked is true while the lock is in effect.
	Locked bool

	// Level is the escalation level recorded at the last failure.
	Level int

	// FailedAttempts is the consecutive failure count.
	FailedAttempts int

	// LockedUntil is when the lock expires (zero when never locked).
	LockedUntil time.Time

	// Remaining is the time left on the lock (zero when not locked).
	Remaining time.Duration
}

// AttemptResult reports the outcome of recording a failed attempt.
type AttemptResult struct {
	// Attempts is the failure count after this attempt.
	Attempts int

	// Level is the escalation level after this attempt.
	Level int

	// IsLocked is true if this attempt triggered or extended a lock.
	IsLocked bool

	// LockedUntil is when the lock expires (zero if not locked).
	LockedUntil time.Time

	// LockDuration is the duration of the applied lock (zero if none).
	LockDuration time.Duration
}

// Stats summarizes lockout activity over a trailing window.
type Stats struct {
	// TotalLockouts counts pairs whose last failure fell in the window
	// and that reached level 1 or above.
	TotalLockouts int

	// ActiveLockouts counts pairs locked right now.
	ActiveLockouts int

	// TotalFailedAttempts sums failure counts over pairs active in the
	// window.
	TotalFailedAttempts int

	// ByLevel breaks active lockouts down by escalation level.
	ByLevel map[int]int

	// ByType breaks active lockouts down by identifier type.
	ByType map[string]int
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager tracks failed attempts and enforces progressive lockout.
// All state lives in the store, so multiple processes sharing one database
// observe the same counters.
type Manager struct {
	store   store.LockoutStore
	cfg     config.LockoutConfig
	auditor *audit.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditLogger attaches a security event logger.
func WithAuditLogger(l *audit.Logger) Option {
	return func(m *Manager) {
		m.auditor = l
	}
}

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lockout manager.
func NewManager(st store.LockoutStore, cfg config.LockoutConfig, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// ESCALATION
// =============================================================================

// CalculateLevel maps a consecutive failure count to an escalation level.
func CalculateLevel(failedAttempts int) int {
	switch {
	case failedAttempts < 3:
		return 0
	case failedAttempts < 5:
		return 1
	case failedAttempts < 10:
		return 2
	case failedAttempts < 15:
		return 3
	default:
		return 4
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// RecordFailedAttempt registers one failed authentication attempt for a
// pair and applies any escalation. The increment and the escalation are
// atomic in the store, so concurrent failures each count.
func (m *Manager) RecordFailedAttempt(ctx context.Context, identifier, lockoutType string) (*AttemptResult, error) {
	if !m.cfg.Enabled {
		return &AttemptResult{}, nil
	}
	if identifier == "" {
		return nil, fmt.Errorf("lockout: identifier is required")
	}
	if lockoutType != store.LockoutTypeEmail && lockoutType != store.LockoutTypeIP {
		return nil, fmt.Errorf("lockout: unknown lockout type %q", lockoutType)
	}

	now := m.now().UTC()
	var lockDuration time.Duration

	rec, err := m.store.RecordFailedAttempt(ctx, identifier, lockoutType, now, func(failedAttempts int) (int, time.Time) {
		level := CalculateLevel(failedAttempts)
		if level == 0 {
			return 0, time.Time{}
		}
		lockDuration = m.cfg.LevelDuration(level)
		return level, now.Add(lockDuration)
	})
	if err != nil {
		return nil, err
	}

	result := &AttemptResult{
		Attempts:     rec.FailedAttempts,
		Level:        rec.Level,
		IsLocked:     rec.Level > 0,
		LockedUntil:  rec.LockedUntil,
		LockDuration: lockDuration,
	}

	if m.auditor != nil && result.IsLocked {
		m.logEvent(ctx, audit.EventAccountLocked, severityForLevel(result.Level), identifier, false,
			fmt.Sprintf("lockout level %d for %s after %d failures", result.Level, lockDuration, result.Attempts),
			map[string]string{"lockout_type": lockoutType})
	}
	return result, nil
}

// CheckLockout reports whether a pair may attempt authentication. Returns
// ErrLocked while a lock is in effect; the returned Status carries the
// remaining duration either way. Read-only.
func (m *Manager) CheckLockout(ctx context.Context, identifier, lockoutType string) (*Status, error) {
	if !m.cfg.Enabled {
		return &Status{}, nil
	}

	rec, err := m.store.GetLockout(ctx, identifier, lockoutType)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	status := &Status{
		Level:          rec.Level,
		FailedAttempts: rec.FailedAttempts,
		LockedUntil:    rec.LockedUntil,
	}
	if now.Before(rec.LockedUntil) {
		status.Locked = true
		status.Remaining = rec.LockedUntil.Sub(now)
		return status, ErrLocked
	}

	// Lock expired; the counter persists so another failure escalates
	// from where the streak left off rather than restarting.
	return status, nil
}

// ClearLockout resets the failure state for a pair. Called by the
// orchestrator after every successful authentication, and by an
// administrator with manual set, which also counts the unlock and logs it.
func (m *Manager) ClearLockout(ctx context.Context, identifier, lockoutType string, manual bool) error {
	if err := m.store.ResetLockout(ctx, identifier, lockoutType, manual); err != nil {
		return err
	}
	if m.auditor != nil && manual {
		m.logEvent(ctx, audit.EventAccountUnlocked, audit.SeverityInfo, identifier, true,
			"lockout manually cleared", map[string]string{"lockout_type": lockoutType})
	}
	return nil
}

// GetStats summarizes lockout activity over a trailing window ending now.
func (m *Manager) GetStats(ctx context.Context, window time.Duration) (*Stats, error) {
	recs, err := m.store.ListLockouts(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	cutoff := now.Add(-window)
	stats := &Stats{
		ByLevel: make(map[int]int),
		ByType:  make(map[string]int),
	}
	for _, rec := range recs {
		if rec.LastAttemptAt.Before(cutoff) {
			continue
		}
		stats.TotalFailedAttempts += rec.FailedAttempts
		if rec.Level > 0 {
			stats.TotalLockouts++
		}
		if now.Before(rec.LockedUntil) {
			stats.ActiveLockouts++
			stats.ByLevel[rec.Level]++
			stats.ByType[rec.Type]++
		}
	}
	return stats, nil
}

func severityForLevel(level int) audit.Severity {
	if level >= 3 {
		return audit.SeverityCritical
	}
	return audit.SeverityWarning
}

func (m *Manager) logEvent(ctx context.Context, t audit.EventType, sev audit.Severity, userID string, success bool, description string, metadata map[string]string) {
	_ = m.auditor.Log(ctx, audit.Event{
		Type:        t,
		Severity:    sev,
		UserID:      userID,
		Success:     success,
		Description: description,
		Metadata:    metadata,
	})
}
