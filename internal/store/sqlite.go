// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore implements Store on a single SQLite database file.
//
// The connection pool is capped at one connection, so every operation is
// serialized through SQLite's single writer. Combined with transactions
// around check-then-act sequences this makes the store operations atomic
// without any in-process locking.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the security database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// RELIABILITY: Single connection serializes all writers; SQLite has
	// one writer anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT INTO schema_meta (key, value) VALUES ('version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", schemaVersion),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record schema version: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// =============================================================================
// TIME ENCODING
// =============================================================================

// Timestamps are stored as Unix milliseconds; zero means "no value".

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func decodeTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// SESSION STORE
// =============================================================================

const sessionColumns = `id, user_id, ip_address, user_agent, is_mobile, created_at,
	last_activity, expires_at, activity_count, suspicious_count,
	last_suspicious_at, active, ended_at, end_reason`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var isMobile, active int
	var created, last, expires, lastSusp, ended int64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.IPAddress, &sess.UserAgent,
		&isMobile, &created, &last, &expires, &sess.ActivityCount,
		&sess.SuspiciousCount, &lastSusp, &active, &ended, &sess.EndReason)
	if err != nil {
		return nil, err
	}
	sess.IsMobile = isMobile == 1
	sess.CreatedAt = decodeTime(created)
	sess.LastActivity = decodeTime(last)
	sess.ExpiresAt = decodeTime(expires)
	sess.LastSuspiciousAt = decodeTime(lastSusp)
	sess.Active = active == 1
	sess.EndedAt = decodeTime(ended)
	return &sess, nil
}

// InsertSession stores a session, evicting the oldest active sessions if
// the user is at the concurrent session cap. Eviction and insert happen in
// one transaction so the cap holds under concurrent creates.
func (s *SQLiteStore) InsertSession(ctx context.Context, sess *Session, maxPerUser int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var evicted []string
	if maxPerUser > 0 {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM sessions
			 WHERE user_id = ? AND active = 1
			 ORDER BY created_at ASC, id ASC`,
			sess.UserID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to list active sessions: %w", err)
		}
		var active []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			active = append(active, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		if excess := len(active) - maxPerUser + 1; excess > 0 {
			endedAt := encodeTime(sess.CreatedAt)
			for _, id := range active[:excess] {
				if _, err := tx.ExecContext(ctx,
					`UPDATE sessions SET active = 0, ended_at = ?, end_reason = 'session_limit_exceeded'
					 WHERE id = ?`, endedAt, id,
				); err != nil {
					return nil, fmt.Errorf("failed to evict session: %w", err)
				}
				evicted = append(evicted, id)
			}
		}
	}

	activityCount := sess.ActivityCount
	if activityCount < 1 {
		activityCount = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, ip_address, user_agent, is_mobile,
			created_at, last_activity, expires_at, activity_count,
			suspicious_count, last_suspicious_at, active, ended_at, end_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 1, 0, '')`,
		sess.ID, sess.UserID, sess.IPAddress, sess.UserAgent, boolToInt(sess.IsMobile),
		encodeTime(sess.CreatedAt), encodeTime(sess.LastActivity),
		encodeTime(sess.ExpiresAt), activityCount,
	); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return evicted, nil
}

// GetSession returns a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// TouchSession records a validated request on an active session.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, lastActivity, expiresAt time.Time, suspicious bool) error {
	var res sql.Result
	var err error
	if suspicious {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET last_activity = ?, expires_at = ?,
				activity_count = activity_count + 1,
				suspicious_count = suspicious_count + 1,
				last_suspicious_at = ?
			 WHERE id = ? AND active = 1`,
			encodeTime(lastActivity), encodeTime(expiresAt), encodeTime(lastActivity), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET last_activity = ?, expires_at = ?,
				activity_count = activity_count + 1
			 WHERE id = ? AND active = 1`,
			encodeTime(lastActivity), encodeTime(expiresAt), id)
	}
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EndSession marks one session inactive.
func (s *SQLiteStore) EndSession(ctx context.Context, id, reason string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0, ended_at = ?, end_reason = ?
		 WHERE id = ? AND active = 1`,
		encodeTime(endedAt), reason, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EndUserSessions marks all of a user's active sessions inactive.
func (s *SQLiteStore) EndUserSessions(ctx context.Context, userID, reason string, endedAt time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0, ended_at = ?, end_reason = ?
		 WHERE user_id = ? AND active = 1`,
		encodeTime(endedAt), reason, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to end user sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ActiveSessionsByUser returns a user's active sessions, most recently
// active first.
func (s *SQLiteStore) ActiveSessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND active = 1
		 ORDER BY last_activity DESC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountActiveSessions returns how many active sessions a user holds.
func (s *SQLiteStore) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND active = 1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// ExpireSessionsBefore ends every active session past its expiry.
func (s *SQLiteStore) ExpireSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0, ended_at = ?, end_reason = 'expired'
		 WHERE active = 1 AND expires_at <= ?`,
		encodeTime(cutoff), encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// =============================================================================
// LOCKOUT STORE
// =============================================================================

const lockoutColumns = `identifier, lockout_type, failed_attempts, level,
	first_attempt_at, last_attempt_at, locked_until, unlock_attempts`

func scanLockout(row interface{ Scan(...any) error }) (*LockoutRecord, error) {
	var rec LockoutRecord
	var first, last, until int64
	err := row.Scan(&rec.Identifier, &rec.Type, &rec.FailedAttempts, &rec.Level,
		&first, &last, &until, &rec.UnlockAttempts)
	if err != nil {
		return nil, err
	}
	rec.FirstAttemptAt = decodeTime(first)
	rec.LastAttemptAt = decodeTime(last)
	rec.LockedUntil = decodeTime(until)
	return &rec, nil
}

// GetLockout returns the record for an (identifier, type) pair.
func (s *SQLiteStore) GetLockout(ctx context.Context, identifier, lockoutType string) (*LockoutRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lockoutColumns+` FROM lockouts WHERE identifier = ? AND lockout_type = ?`,
		identifier, lockoutType)
	rec, err := scanLockout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lockout: %w", err)
	}
	return rec, nil
}

// RecordFailedAttempt increments the failure count and applies the
// escalation computed by the caller, all in one transaction. Concurrent
// failures for the same pair each observe a distinct post-increment count,
// so no attempt is lost.
func (s *SQLiteStore) RecordFailedAttempt(ctx context.Context, identifier, lockoutType string, now time.Time, escalate func(failedAttempts int) (int, time.Time)) (*LockoutRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var failed, unlocks int
	var first int64
	err = tx.QueryRowContext(ctx,
		`SELECT failed_attempts, first_attempt_at, unlock_attempts
		 FROM lockouts WHERE identifier = ? AND lockout_type = ?`,
		identifier, lockoutType).Scan(&failed, &first, &unlocks)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		failed = 0
		first = encodeTime(now)
	case err != nil:
		return nil, fmt.Errorf("failed to read lockout: %w", err)
	}
	if first == 0 {
		// A reset record starts a fresh streak.
		first = encodeTime(now)
	}

	rec := &LockoutRecord{
		Identifier:     identifier,
		Type:           lockoutType,
		FailedAttempts: failed + 1,
		FirstAttemptAt: decodeTime(first),
		LastAttemptAt:  now,
		UnlockAttempts: unlocks,
	}
	rec.Level, rec.LockedUntil = escalate(rec.FailedAttempts)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lockouts (identifier, lockout_type, failed_attempts, level,
			first_attempt_at, last_attempt_at, locked_until, unlock_attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identifier, lockout_type) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			level = excluded.level,
			first_attempt_at = excluded.first_attempt_at,
			last_attempt_at = excluded.last_attempt_at,
			locked_until = excluded.locked_until`,
		identifier, lockoutType, rec.FailedAttempts, rec.Level,
		first, encodeTime(rec.LastAttemptAt), encodeTime(rec.LockedUntil), rec.UnlockAttempts,
	); err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return rec, nil
}

// ResetLockout zeroes a pair's failure state. The row itself is kept so
// unlock counts and attempt history remain for statistics.
func (s *SQLiteStore) ResetLockout(ctx context.Context, identifier, lockoutType string, manual bool) error {
	unlockBump := 0
	if manual {
		unlockBump = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE lockouts SET failed_attempts = 0, level = 0,
			first_attempt_at = 0, locked_until = 0,
			unlock_attempts = unlock_attempts + ?
		 WHERE identifier = ? AND lockout_type = ?`,
		unlockBump, identifier, lockoutType); err != nil {
		return fmt.Errorf("failed to reset lockout: %w", err)
	}
	return nil
}

// ListLockouts returns all records.
func (s *SQLiteStore) ListLockouts(ctx context.Context) ([]*LockoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lockoutColumns+` FROM lockouts`)
	if err != nil {
		return nil, fmt.Errorf("failed to list lockouts: %w", err)
	}
	defer rows.Close()

	var out []*LockoutRecord
	for rows.Next() {
		rec, err := scanLockout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// MFA STORE
// =============================================================================

// GetCredential returns a user's MFA credential with its backup codes.
func (s *SQLiteStore) GetCredential(ctx context.Context, userID string) (*MFACredential, error) {
	var cred MFACredential
	var verified, enabled int
	var created, used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, mfa_type, encrypted_secret, verified, enabled,
			failure_count, created_at, last_used_at
		 FROM mfa_credentials WHERE user_id = ?`, userID).
		Scan(&cred.UserID, &cred.Type, &cred.EncryptedSecret, &verified, &enabled,
			&cred.FailureCount, &created, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	cred.Verified = verified == 1
	cred.Enabled = enabled == 1
	cred.CreatedAt = decodeTime(created)
	cred.LastUsedAt = decodeTime(used)

	rows, err := s.db.QueryContext(ctx,
		`SELECT code_hash FROM mfa_backup_codes WHERE user_id = ? ORDER BY code_hash`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		cred.BackupCodes = append(cred.BackupCodes, h)
	}
	return &cred, rows.Err()
}

// PutCredential inserts or replaces a credential and its backup codes.
func (s *SQLiteStore) PutCredential(ctx context.Context, c *MFACredential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	mfaType := c.Type
	if mfaType == "" {
		mfaType = "totp"
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mfa_credentials (user_id, mfa_type, encrypted_secret, verified,
			enabled, failure_count, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			mfa_type = excluded.mfa_type,
			encrypted_secret = excluded.encrypted_secret,
			verified = excluded.verified,
			enabled = excluded.enabled,
			failure_count = excluded.failure_count,
			created_at = excluded.created_at,
			last_used_at = excluded.last_used_at`,
		c.UserID, mfaType, c.EncryptedSecret, boolToInt(c.Verified),
		boolToInt(c.Enabled), c.FailureCount, encodeTime(c.CreatedAt), encodeTime(c.LastUsedAt),
	); err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mfa_backup_codes WHERE user_id = ?`, c.UserID); err != nil {
		return fmt.Errorf("failed to clear backup codes: %w", err)
	}
	for _, h := range c.BackupCodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mfa_backup_codes (user_id, code_hash) VALUES (?, ?)`,
			c.UserID, h); err != nil {
			return fmt.Errorf("failed to insert backup code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// MarkVerified records the first (or any) successful verification, turning
// the factor on.
func (s *SQLiteStore) MarkVerified(ctx context.Context, userID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mfa_credentials SET verified = 1, enabled = 1,
			failure_count = 0, last_used_at = ?
		 WHERE user_id = ?`, encodeTime(now), userID)
	if err != nil {
		return fmt.Errorf("failed to mark verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementFailure bumps the failure counter after a rejected code.
func (s *SQLiteStore) IncrementFailure(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mfa_credentials SET failure_count = failure_count + 1 WHERE user_id = ?`,
		userID)
	if err != nil {
		return fmt.Errorf("failed to increment failure count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeBackupCode removes one code hash if present. The delete and the
// presence check are the same statement, so two concurrent uses of the same
// code cannot both succeed.
func (s *SQLiteStore) ConsumeBackupCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM mfa_backup_codes WHERE user_id = ? AND code_hash = ?`,
		userID, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE mfa_credentials SET last_used_at = ?, failure_count = 0 WHERE user_id = ?`,
		encodeTime(now), userID); err != nil {
		return false, fmt.Errorf("failed to record use: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// TouchCredential records a successful verification and resets failures.
func (s *SQLiteStore) TouchCredential(ctx context.Context, userID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mfa_credentials SET last_used_at = ?, failure_count = 0 WHERE user_id = ?`,
		encodeTime(now), userID)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCredential removes a user's enrollment. Backup codes cascade.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM mfa_credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// =============================================================================
// PERMISSION STORE
// =============================================================================

// AddGrant adds a grant, idempotently.
func (s *SQLiteStore) AddGrant(ctx context.Context, g *PermissionGrant) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_grants (key_id, permission, resource_scope, granted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_id, permission, resource_scope) DO NOTHING`,
		g.KeyID, g.Permission, g.ResourceScope, encodeTime(g.GrantedAt)); err != nil {
		return fmt.Errorf("failed to add grant: %w", err)
	}
	return nil
}

// RemoveGrant removes a grant, idempotently.
func (s *SQLiteStore) RemoveGrant(ctx context.Context, keyID, permission, resourceScope string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM permission_grants
		 WHERE key_id = ? AND permission = ? AND resource_scope = ?`,
		keyID, permission, resourceScope); err != nil {
		return fmt.Errorf("failed to remove grant: %w", err)
	}
	return nil
}

// ListGrants returns a key's grants, sorted by permission then scope.
func (s *SQLiteStore) ListGrants(ctx context.Context, keyID string) ([]*PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, permission, resource_scope, granted_at
		 FROM permission_grants WHERE key_id = ?
		 ORDER BY permission ASC, resource_scope ASC`, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []*PermissionGrant
	for rows.Next() {
		var g PermissionGrant
		var granted int64
		if err := rows.Scan(&g.KeyID, &g.Permission, &g.ResourceScope, &granted); err != nil {
			return nil, err
		}
		g.GrantedAt = decodeTime(granted)
		out = append(out, &g)
	}
	return out, rows.Err()
}

// ReplaceGrants swaps a key's whole grant set in one transaction, so a
// concurrent reader sees either the old set or the new set, never a mix.
func (s *SQLiteStore) ReplaceGrants(ctx context.Context, keyID string, grants []*PermissionGrant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM permission_grants WHERE key_id = ?`, keyID); err != nil {
		return fmt.Errorf("failed to clear grants: %w", err)
	}
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO permission_grants (key_id, permission, resource_scope, granted_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(key_id, permission, resource_scope) DO NOTHING`,
			keyID, g.Permission, g.ResourceScope, encodeTime(g.GrantedAt)); err != nil {
			return fmt.Errorf("failed to insert grant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// =============================================================================
// EVENT STORE
// =============================================================================

// AppendEvent stores one security event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *SecurityEvent) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, ts, event_type, severity, user_id,
			session_id, ip_address, user_agent, success, description, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, encodeTime(e.Timestamp), e.EventType, e.Severity,
		e.UserID, e.SessionID, e.IPAddress, e.UserAgent,
		boolToInt(e.Success), e.Description, e.Metadata,
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events, optionally filtered to one user.
func (s *SQLiteStore) RecentEvents(ctx context.Context, userID string, limit int) ([]*SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, ts, event_type, severity, user_id, session_id,
		ip_address, user_agent, success, description, metadata
		 FROM security_events`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		var ts int64
		var success int
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.Severity,
			&e.UserID, &e.SessionID, &e.IPAddress, &e.UserAgent,
			&success, &e.Description, &e.Metadata); err != nil {
			return nil, err
		}
		e.Timestamp = decodeTime(ts)
		e.Success = success == 1
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountEventsSince counts events at or after a cutoff.
func (s *SQLiteStore) CountEventsSince(ctx context.Context, eventType string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM security_events WHERE ts >= ?`
	args := []any{encodeTime(since)}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
