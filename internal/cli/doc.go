// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the administrative command line for the account
// security subsystem: inspecting and revoking sessions, clearing lockouts,
// reviewing MFA status, managing API key permissions, and verifying the
// audit trail.
//
// Every command supports --json for machine-readable output so the tool
// can feed monitoring pipelines; human-readable rendering uses lipgloss
// and degrades to plain text on non-TTY output.
package cli
