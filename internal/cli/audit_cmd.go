// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit_cmd.go - CLI commands for the security event log.
//
// Command: audit [subcommand]
// Short:   Security event log
//
// Subcommands:
//   show (default)    Show recent security events
//   verify            Verify the mirror log's MAC chain
//
// Examples:
//   dinosec audit show --limit 20
//   dinosec audit show --user alice --json
//   dinosec audit verify
//   dinosec audit verify --file /var/log/dinoair/audit.log

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/config"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/audit"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

// eventSummary is the JSON shape for one security event.
type eventSummary struct {
	Timestamp   string `json:"timestamp"`
	EventType   string `json:"event_type"`
	Severity    string `json:"severity"`
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	Success     bool   `json:"success"`
	Description string `json:"description,omitempty"`
}

// HandleAudit routes the audit subcommands.
func HandleAudit(args Args) error {
	parser := NewArgParser(args.Raw)

	switch parser.Subcommand() {
	case "show", "":
		return auditShow(parser, args.JSON)
	case "verify":
		return auditVerify(parser, args.JSON)
	default:
		return fmt.Errorf("unknown audit subcommand: %s", parser.Subcommand())
	}
}

func auditShow(parser *ArgParser, jsonOut bool) error {
	ctx := context.Background()
	app, err := NewApp()
	if err != nil {
		return err
	}
	defer app.Close()

	userID := parser.Flag("user")
	limit := parser.IntFlag("limit", 50)

	events, err := app.Store.RecentEvents(ctx, userID, limit)
	if err != nil {
		if jsonOut {
			return OutputJSONError("audit show", err)
		}
		return err
	}

	if jsonOut {
		out := make([]eventSummary, 0, len(events))
		for _, e := range events {
			out = append(out, summarizeEvent(e))
		}
		return OutputJSON("audit show", map[string]interface{}{
			"count":  len(out),
			"events": out,
		})
	}

	fmt.Println(TitleStyle.Render("Security Events"))
	if len(events) == 0 {
		fmt.Println(DimStyle.Render("No events recorded."))
		return nil
	}

	for _, e := range events {
		ts := DimStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05"))
		outcome := SuccessStyle.Render("OK")
		if !e.Success {
			outcome = ErrorStyle.Render("FAIL")
		}
		line := fmt.Sprintf("%s  %s %s", ts, outcome, ValueStyle.Render(e.EventType))
		if e.UserID != "" {
			line += DimStyle.Render(" user=" + e.UserID)
		}
		if e.SessionID != "" {
			line += DimStyle.Render(" session=" + audit.SanitizeSessionID(e.SessionID))
		}
		fmt.Println(line)
		if e.Description != "" {
			fmt.Println("    " + DimStyle.Render(e.Description))
		}
	}
	return nil
}

// auditVerify checks the mirror log's MAC chain without opening the
// database, so it works even while the service holds the store.
func auditVerify(parser *ArgParser, jsonOut bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return err
	}

	path := parser.Flag("file")
	if path == "" {
		path = cfg.Audit.LogPath
	}
	if path == "" {
		path = filepath.Join(dir, "audit.log")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audit log: %w", err)
	}

	key, err := audit.LoadSignerKey(dir)
	if err != nil {
		return fmt.Errorf("load audit signing key: %w", err)
	}

	ok, issues, err := audit.VerifyMirror(path, key)
	if err != nil {
		if jsonOut {
			return OutputJSONError("audit verify", err)
		}
		return err
	}

	if jsonOut {
		if err := OutputJSON("audit verify", map[string]interface{}{
			"file":   path,
			"intact": ok,
			"issues": issues,
		}); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("audit log integrity check failed")
		}
		return nil
	}

	fmt.Println(TitleStyle.Render("Audit Log Integrity"))
	fmt.Println(LabelStyle.Render("File:") + ValueStyle.Render(path))
	if ok {
		fmt.Println(LabelStyle.Render("Result:") + SuccessStyle.Render("INTACT"))
		return nil
	}

	fmt.Println(LabelStyle.Render("Result:") + ErrorStyle.Render("TAMPERED"))
	for _, issue := range issues {
		fmt.Println("  " + WarningStyle.Render(issue))
	}
	return fmt.Errorf("audit log integrity check failed")
}

func summarizeEvent(e *store.SecurityEvent) eventSummary {
	s := eventSummary{
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
		EventType:   e.EventType,
		Severity:    e.Severity,
		UserID:      e.UserID,
		IPAddress:   e.IPAddress,
		Success:     e.Success,
		Description: e.Description,
	}
	if e.SessionID != "" {
		s.SessionID = audit.SanitizeSessionID(e.SessionID)
	}
	return s
}
