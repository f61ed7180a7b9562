// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

// schemaVersion is bumped when the table layout changes.
const schemaVersion = 1

// schema is the full DDL, applied idempotently at open.
const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	is_mobile INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	activity_count INTEGER NOT NULL DEFAULT 1,
	suspicious_count INTEGER NOT NULL DEFAULT 0,
	last_suspicious_at INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	ended_at INTEGER NOT NULL DEFAULT 0,
	end_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_active
	ON sessions(user_id, active);
CREATE INDEX IF NOT EXISTS idx_sessions_expires
	ON sessions(expires_at) WHERE active = 1;

CREATE TABLE IF NOT EXISTS lockouts (
	identifier TEXT NOT NULL,
	lockout_type TEXT NOT NULL,
	failed_attempts INTEGER NOT NULL DEFAULT 0,
	level INTEGER NOT NULL DEFAULT 0,
	first_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	locked_until INTEGER NOT NULL DEFAULT 0,
	unlock_attempts INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (identifier, lockout_type)
);

CREATE TABLE IF NOT EXISTS mfa_credentials (
	user_id TEXT PRIMARY KEY,
	mfa_type TEXT NOT NULL DEFAULT 'totp',
	encrypted_secret TEXT NOT NULL,
	verified INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS mfa_backup_codes (
	user_id TEXT NOT NULL,
	code_hash TEXT NOT NULL,
	PRIMARY KEY (user_id, code_hash),
	FOREIGN KEY (user_id) REFERENCES mfa_credentials(user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS permission_grants (
	key_id TEXT NOT NULL,
	permission TEXT NOT NULL,
	resource_scope TEXT NOT NULL DEFAULT '',
	granted_at INTEGER NOT NULL,
	PRIMARY KEY (key_id, permission, resource_scope)
);

CREATE TABLE IF NOT EXISTS security_events (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON security_events(ts);
CREATE INDEX IF NOT EXISTS idx_events_user ON security_events(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_type ON security_events(event_type, ts);
`
