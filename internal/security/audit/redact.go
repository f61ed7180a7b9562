// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"regexp"
)

// Redactor removes sensitive material from free-text event details.
type Redactor interface {
	Redact(s string) string
}

// PatternRedactor masks common secret shapes with a fixed placeholder.
type PatternRedactor struct {
	patterns []*regexp.Regexp
}

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credential material that must never be logged.
var secretPatterns = []*regexp.Regexp{
	// key=value style secrets
	regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|authorization)\s*[=:]\s*\S+`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	// Long hex strings (session IDs, key material)
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
	// Base32 TOTP secrets
	regexp.MustCompile(`\b[A-Z2-7]{32}\b`),
	// Backup codes in XXXX-XXXX form
	regexp.MustCompile(`\b[0-9a-fA-F]{4}-[0-9a-fA-F]{4}\b`),
}

// NewPatternRedactor returns a redactor covering the default secret shapes.
func NewPatternRedactor() *PatternRedactor {
	return &PatternRedactor{patterns: secretPatterns}
}

// Redact masks every match of the configured patterns.
func (r *PatternRedactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// NopRedactor passes text through unchanged, used by tests.
type NopRedactor struct{}

// Redact returns s unchanged.
func (NopRedactor) Redact(s string) string { return s }
