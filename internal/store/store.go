// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store defines the persistence layer for the account security
// subsystem: session records, lockout counters, MFA credentials, API key
// permission grants, and the security event trail.
//
// The interfaces here are the atomicity boundary. All check-then-act
// sequences that must be race-free (session cap eviction, failed attempt
// escalation, backup code consumption) are store operations executed inside
// a single transaction, so the managers above this package stay free of
// cross-process races.
package store

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists indicates a uniqueness conflict on insert.
	ErrAlreadyExists = errors.New("store: record already exists")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// =============================================================================
// RECORD TYPES
// =============================================================================

// Session is a persisted user session.
type Session struct {
	// ID is the 64-character lowercase hex session identifier.
	ID string

	// UserID identifies the session owner.
	UserID string

	// IPAddress is the client address observed at creation.
	IPAddress string

	// UserAgent is the client user agent observed at creation.
	UserAgent string

	// IsMobile marks sessions created from a mobile client.
	IsMobile bool

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// LastActivity is the timestamp of the most recent validated request.
	LastActivity time.Time

	// ExpiresAt is the current expiry. Sliding refresh moves it forward,
	// never backward, capped by CreatedAt plus the absolute lifetime.
	ExpiresAt time.Time

	// ActivityCount is the number of validated requests, starting at 1
	// for the creating request.
	ActivityCount int

	// SuspiciousCount is how many validated requests were flagged by
	// detection.
	SuspiciousCount int

	// LastSuspiciousAt is when detection last flagged this session
	// (zero if never).
	LastSuspiciousAt time.Time

	// Active is false once the session has ended. Exactly one of Active
	// and a non-zero EndedAt holds at any time.
	Active bool

	// EndedAt is when the session ended (zero while active).
	EndedAt time.Time

	// EndReason records why the session ended (empty while active).
	EndReason string
}

// Lockout types track failures per identifier kind.
const (
	LockoutTypeEmail = "email"
	LockoutTypeIP    = "ip"
)

// LockoutRecord tracks failed authentication attempts for one
// (identifier, type) pair. Records are reset, never deleted, so the
// attempt history stays available for statistics.
type LockoutRecord struct {
	// Identifier is the email or address being tracked.
	Identifier string

	// Type is the identifier kind, LockoutTypeEmail or LockoutTypeIP.
	Type string

	// FailedAttempts is the running count of consecutive failures.
	FailedAttempts int

	// Level is the current escalation level (0 = not locked).
	Level int

	// FirstAttemptAt is when the current failure streak began.
	FirstAttemptAt time.Time

	// LastAttemptAt is the timestamp of the most recent failure.
	LastAttemptAt time.Time

	// LockedUntil is when the current lock expires (zero if not locked).
	LockedUntil time.Time

	// UnlockAttempts counts manual clears applied to this record.
	UnlockAttempts int
}

// MFACredential holds a user's TOTP enrollment.
type MFACredential struct {
	// UserID identifies the credential owner.
	UserID string

	// Type is the factor type; "totp" is the only supported value.
	Type string

	// EncryptedSecret is the TOTP secret, encrypted at rest with the
	// ENC: envelope format.
	EncryptedSecret string

	// BackupCodes are the unconsumed single-use recovery codes, stored
	// as SHA-256 hex digests. Plaintext codes are shown once at issue
	// time and never persisted.
	BackupCodes []string

	// Verified is true once at least one valid code has been accepted.
	Verified bool

	// Enabled is true while the factor is active. Enabled requires
	// Verified to have been reached.
	Enabled bool

	// FailureCount is the running count of rejected codes.
	FailureCount int

	// CreatedAt is when the secret was generated.
	CreatedAt time.Time

	// LastUsedAt is the last successful verification (zero if never).
	LastUsedAt time.Time
}

// PermissionGrant is one permission held by an API key, optionally scoped
// to a resource.
type PermissionGrant struct {
	// KeyID identifies the API key.
	KeyID string

	// Permission is the canonical "family:verb" permission string.
	Permission string

	// ResourceScope narrows the grant to one resource (empty = all).
	ResourceScope string

	// GrantedAt is when the grant was added.
	GrantedAt time.Time
}

// SecurityEvent is one entry in the append-only security trail. Rows are
// never updated or deleted by the subsystem.
type SecurityEvent struct {
	// ID is a unique event identifier.
	ID string

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// EventType categorizes the event (login_failed, session_created...).
	EventType string

	// Severity is the event severity (info, warning, critical).
	Severity string

	// UserID is the affected user, if any.
	UserID string

	// SessionID is the affected session, if any (sanitized for display
	// by the audit layer, stored in full here).
	SessionID string

	// IPAddress is the client address, if known.
	IPAddress string

	// UserAgent is the client user agent, if known.
	UserAgent string

	// Success indicates whether the underlying operation succeeded.
	Success bool

	// Description is a short human-readable summary, already redacted.
	Description string

	// Metadata is optional structured context, JSON-encoded.
	Metadata string
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// SessionStore persists sessions and performs the atomic operations the
// session manager relies on.
type SessionStore interface {
	// InsertSession stores a new session. If the user is at or above
	// maxPerUser active sessions, the oldest active sessions by creation
	// time are ended with reason "session_limit_exceeded" inside the
	// same transaction so the cap is never exceeded. The evicted session
	// IDs are returned.
	InsertSession(ctx context.Context, s *Session, maxPerUser int) (evicted []string, err error)

	// GetSession returns a session by ID, whether active or not.
	GetSession(ctx context.Context, id string) (*Session, error)

	// TouchSession records a validated request on an active session:
	// updates LastActivity and ExpiresAt, increments ActivityCount, and
	// when suspicious is set also increments SuspiciousCount and stamps
	// LastSuspiciousAt. Returns ErrNotFound if the session is missing or
	// inactive.
	TouchSession(ctx context.Context, id string, lastActivity, expiresAt time.Time, suspicious bool) error

	// EndSession marks a session inactive with the given reason and end
	// time. Ending an already inactive session returns ErrNotFound.
	EndSession(ctx context.Context, id, reason string, endedAt time.Time) error

	// EndUserSessions ends all active sessions for a user and returns
	// how many were ended.
	EndUserSessions(ctx context.Context, userID, reason string, endedAt time.Time) (int, error)

	// ActiveSessionsByUser returns a user's active sessions ordered by
	// LastActivity descending.
	ActiveSessionsByUser(ctx context.Context, userID string) ([]*Session, error)

	// CountActiveSessions returns the number of active sessions for a user.
	CountActiveSessions(ctx context.Context, userID string) (int, error)

	// ExpireSessionsBefore ends every active session whose ExpiresAt is
	// at or before cutoff, with reason "expired". Returns how many were
	// ended. Idempotent.
	ExpireSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LockoutStore persists failed-attempt counters keyed by
// (identifier, type).
type LockoutStore interface {
	// GetLockout returns the record for a pair, or ErrNotFound.
	GetLockout(ctx context.Context, identifier, lockoutType string) (*LockoutRecord, error)

	// RecordFailedAttempt atomically increments the failure count for a
	// pair, creating the record if absent, and applies the escalation
	// computed by the callback from the post-increment count. Returns
	// the updated record.
	RecordFailedAttempt(ctx context.Context, identifier, lockoutType string, now time.Time, escalate func(failedAttempts int) (level int, lockedUntil time.Time)) (*LockoutRecord, error)

	// ResetLockout zeroes the failure state for a pair, keeping the row
	// for statistics. When manual is set, UnlockAttempts is incremented.
	// Resetting a missing pair is a no-op.
	ResetLockout(ctx context.Context, identifier, lockoutType string, manual bool) error

	// ListLockouts returns all records, for stats reporting.
	ListLockouts(ctx context.Context) ([]*LockoutRecord, error)
}

// MFAStore persists TOTP credentials.
type MFAStore interface {
	// GetCredential returns a user's MFA credential, or ErrNotFound.
	GetCredential(ctx context.Context, userID string) (*MFACredential, error)

	// PutCredential inserts or replaces a user's credential, including
	// its full backup code set.
	PutCredential(ctx context.Context, c *MFACredential) error

	// MarkVerified sets Verified and Enabled, resets FailureCount, and
	// records the verification time.
	MarkVerified(ctx context.Context, userID string, now time.Time) error

	// IncrementFailure bumps FailureCount after a rejected code.
	IncrementFailure(ctx context.Context, userID string) error

	// ConsumeBackupCode atomically removes one backup code hash if
	// present and records the use time. Returns true if the code was
	// present and consumed, false if it was absent or already used.
	ConsumeBackupCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error)

	// TouchCredential records a successful TOTP verification time and
	// resets FailureCount.
	TouchCredential(ctx context.Context, userID string, now time.Time) error

	// DeleteCredential removes a user's enrollment entirely, backup
	// codes included.
	DeleteCredential(ctx context.Context, userID string) error
}

// PermissionStore persists API key permission grants.
type PermissionStore interface {
	// AddGrant adds a grant. Adding an existing grant is a no-op.
	AddGrant(ctx context.Context, g *PermissionGrant) error

	// RemoveGrant removes a grant. Removing a missing grant is a no-op.
	RemoveGrant(ctx context.Context, keyID, permission, resourceScope string) error

	// ListGrants returns a key's grants sorted by permission then scope.
	ListGrants(ctx context.Context, keyID string) ([]*PermissionGrant, error)

	// ReplaceGrants atomically replaces a key's entire grant set.
	ReplaceGrants(ctx context.Context, keyID string, grants []*PermissionGrant) error
}

// EventStore persists the append-only security trail.
type EventStore interface {
	// AppendEvent stores one event.
	AppendEvent(ctx context.Context, e *SecurityEvent) error

	// RecentEvents returns the most recent events, newest first, up to
	// limit. userID filters to one user when non-empty.
	RecentEvents(ctx context.Context, userID string, limit int) ([]*SecurityEvent, error)

	// CountEventsSince returns how many events of the given type occurred
	// at or after since. eventType filters when non-empty.
	CountEventsSince(ctx context.Context, eventType string, since time.Time) (int, error)
}

// Store aggregates every persistence concern behind one handle.
type Store interface {
	SessionStore
	LockoutStore
	MFAStore
	PermissionStore
	EventStore

	// Close releases the underlying database.
	Close() error
}
