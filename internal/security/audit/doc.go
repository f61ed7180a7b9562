// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records the security event trail for the account security
// subsystem.
//
// # Components
//
// Logger - Thread-safe event logging with secret redaction
//
//	logger, err := audit.NewLogger(st,
//	    audit.WithFileMirror("/var/log/dinoair/security.log", 10),
//	)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Log(ctx, audit.Event{
//	    Type:        audit.EventLoginFailed,
//	    Severity:    audit.SeverityWarning,
//	    UserID:      userID,
//	    IPAddress:   ip,
//	    Description: "password rejected",
//	})
//
// Signer - Chained HMAC integrity for the file mirror
//
//	key, err := audit.LoadSignerKey(auditDir)
//	signer, err := audit.NewSigner(key)
//	logger, err := audit.NewLogger(st,
//	    audit.WithFileMirror(path, 10),
//	    audit.WithMirrorSigning(signer),
//	)
//
//	ok, issues, err := audit.VerifyMirror(path, key)
//
// # Security Considerations
//
//   - Secret redaction keeps passwords, tokens, and backup codes out of
//     both the store and the mirror
//   - Session IDs are truncated before they reach the mirror
//   - Chained HMAC-SHA256 detects edited, removed, or reordered lines
//   - Mirror files and the key file are created 0600 in a 0700 directory
package audit
