// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// session_cmd.go - CLI commands for session management.
//
// Command: session [subcommand]
// Short:   Session management
//
// Subcommands:
//   list --user ID        List a user's active sessions
//   revoke <session-id>   End a single session
//   revoke-all <user>     End every session for a user
//   sweep                 Remove expired sessions
//
// Examples:
//   dinosec session list --user alice
//   dinosec session revoke 3f2a... --reason manual
//   dinosec session revoke-all alice
//   dinosec session sweep --json

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/audit"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/session"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

// sessionSummary is the JSON shape for one session row.
type sessionSummary struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	IPAddress       string `json:"ip_address,omitempty"`
	CreatedAt       string `json:"created_at"`
	LastActivity    string `json:"last_activity"`
	ExpiresAt       string `json:"expires_at"`
	ActivityCount   int    `json:"activity_count"`
	SuspiciousCount int    `json:"suspicious_count"`
	IsMobile        bool   `json:"is_mobile"`
}

// HandleSession routes the session subcommands.
func HandleSession(args Args) error {
	parser := NewArgParser(args.Raw)
	ctx := context.Background()

	app, err := NewApp()
	if err != nil {
		return err
	}
	defer app.Close()

	switch parser.Subcommand() {
	case "list", "ls", "":
		return sessionList(ctx, app, parser, args.JSON)
	case "revoke":
		return sessionRevoke(ctx, app, parser, args.JSON)
	case "revoke-all":
		return sessionRevokeAll(ctx, app, parser, args.JSON)
	case "sweep", "cleanup":
		return sessionSweep(ctx, app, args.JSON)
	default:
		return fmt.Errorf("unknown session subcommand: %s", parser.Subcommand())
	}
}

func sessionList(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	userID := parser.Flag("user")
	if userID == "" {
		return fmt.Errorf("missing required flag: --user")
	}

	sessions, err := app.Sessions.SessionsForUser(ctx, userID)
	if err != nil {
		if jsonOut {
			return OutputJSONError("session list", err)
		}
		return err
	}

	if jsonOut {
		out := make([]sessionSummary, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, summarizeSession(s))
		}
		return OutputJSON("session list", map[string]interface{}{
			"user_id":  userID,
			"count":    len(out),
			"sessions": out,
		})
	}

	fmt.Println(TitleStyle.Render("Active Sessions"))
	fmt.Println(LabelStyle.Render("User:") + ValueStyle.Render(userID))
	fmt.Println(LabelStyle.Render("Count:") + ValueStyle.Render(fmt.Sprintf("%d", len(sessions))))

	if len(sessions) == 0 {
		fmt.Println(DimStyle.Render("\nNo active sessions."))
		return nil
	}

	for _, s := range sessions {
		fmt.Println()
		fmt.Println(SectionStyle.Render(audit.SanitizeSessionID(s.ID)))
		fmt.Println(LabelStyle.Render("  Created:") + ValueStyle.Render(s.CreatedAt.Local().Format(time.RFC822)))
		fmt.Println(LabelStyle.Render("  Last activity:") + ValueStyle.Render(s.LastActivity.Local().Format(time.RFC822)))
		fmt.Println(LabelStyle.Render("  Expires:") + ValueStyle.Render(s.ExpiresAt.Local().Format(time.RFC822)))
		fmt.Println(LabelStyle.Render("  Requests:") + ValueStyle.Render(fmt.Sprintf("%d", s.ActivityCount)))
		if s.IPAddress != "" {
			fmt.Println(LabelStyle.Render("  IP address:") + ValueStyle.Render(s.IPAddress))
		}
		if s.SuspiciousCount > 0 {
			fmt.Println(LabelStyle.Render("  Suspicious:") +
				WarningStyle.Render(fmt.Sprintf("%d flagged requests", s.SuspiciousCount)))
		}
	}
	return nil
}

func sessionRevoke(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	sessionID, err := parser.RequirePositional(1, "session ID")
	if err != nil {
		return err
	}
	reason := parser.FlagDefault("reason", session.ReasonManual)

	ended, err := app.Sessions.Invalidate(ctx, sessionID, reason)
	if err != nil {
		if jsonOut {
			return OutputJSONError("session revoke", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("session revoke", map[string]interface{}{
			"session_id": audit.SanitizeSessionID(sessionID),
			"ended":      ended,
			"reason":     reason,
		})
	}

	if !ended {
		fmt.Println(WarningStyle.Render("Session not found or already ended."))
		return nil
	}
	fmt.Println(SuccessStyle.Render("Session ended.") +
		DimStyle.Render(fmt.Sprintf(" (%s, reason: %s)", audit.SanitizeSessionID(sessionID), reason)))
	return nil
}

func sessionRevokeAll(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	userID, err := parser.RequirePositional(1, "user ID")
	if err != nil {
		return err
	}
	reason := parser.FlagDefault("reason", session.ReasonSecurity)

	count, err := app.Sessions.InvalidateAllForUser(ctx, userID, reason)
	if err != nil {
		if jsonOut {
			return OutputJSONError("session revoke-all", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("session revoke-all", map[string]interface{}{
			"user_id": userID,
			"ended":   count,
			"reason":  reason,
		})
	}

	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Ended %d session(s) for %s.", count, userID)))
	return nil
}

func sessionSweep(ctx context.Context, app *App, jsonOut bool) error {
	count, err := app.Sessions.CleanupExpired(ctx)
	if err != nil {
		if jsonOut {
			return OutputJSONError("session sweep", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("session sweep", map[string]interface{}{"expired": count})
	}

	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Expired %d stale session(s).", count)))
	return nil
}

func summarizeSession(s *store.Session) sessionSummary {
	return sessionSummary{
		ID:              audit.SanitizeSessionID(s.ID),
		UserID:          s.UserID,
		IPAddress:       s.IPAddress,
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity:    s.LastActivity.UTC().Format(time.RFC3339),
		ExpiresAt:       s.ExpiresAt.UTC().Format(time.RFC3339),
		ActivityCount:   s.ActivityCount,
		SuspiciousCount: s.SuspiciousCount,
		IsMobile:        s.IsMobile,
	}
}
