// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists the account security subsystem's state in SQLite.
//
// # Key Types
//
//   - Store: aggregate interface over all persistence concerns
//   - SQLiteStore: the production implementation, one database file
//   - Session, LockoutRecord, MFACredential, PermissionGrant, SecurityEvent:
//     the persisted record types
//
// # Atomicity
//
// Operations that must be race-free run inside a single transaction on a
// single-connection pool:
//
//   - InsertSession evicts the oldest active sessions and inserts the new
//     one together, so the per-user cap is never exceeded
//   - RecordFailedAttempt reads, increments and escalates in one
//     transaction, so concurrent failures each count
//   - ConsumeBackupCode deletes the code row conditionally, so a code can
//     be used exactly once
//   - ReplaceGrants swaps a key's permission set wholesale
//
// # Usage
//
//	st, err := store.OpenSQLite(filepath.Join(dir, "security.db"))
//	if err != nil { ... }
//	defer st.Close()
package store
