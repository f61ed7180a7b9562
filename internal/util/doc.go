// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides shared helper functions for the account security
// subsystem.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - Similarity: normalized edit-distance similarity between two strings
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	// Truncate long descriptions before they reach the audit log
//	desc := util.TruncateRunes(description, 200)
//
//	// Compare user-agent strings during suspicious-activity detection
//	score := util.Similarity(storedUA, incomingUA)
//
//	// Write state files atomically to prevent partial writes
//	err := util.AtomicWriteFile(path, data, 0600)
package util
