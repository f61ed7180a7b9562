// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// mfa_cmd.go - CLI commands for MFA enrollment administration.
//
// Command: mfa [subcommand]
// Short:   MFA enrollment status
//
// Subcommands:
//   status <user>                Show enrollment status
//   disable <user> --confirm     Remove enrollment entirely
//   requirements <role>          Show the MFA policy for a role
//
// Examples:
//   dinosec mfa status alice
//   dinosec mfa disable alice --confirm
//   dinosec mfa requirements admin --json

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/mfa"
)

// HandleMFA routes the mfa subcommands.
func HandleMFA(args Args) error {
	parser := NewArgParser(args.Raw)

	// The requirements table is static; no store needed.
	if parser.Subcommand() == "requirements" {
		return mfaRequirements(parser, args.JSON)
	}

	ctx := context.Background()
	app, err := NewApp()
	if err != nil {
		return err
	}
	defer app.Close()

	switch parser.Subcommand() {
	case "status", "":
		return mfaStatus(ctx, app, parser, args.JSON)
	case "disable":
		return mfaDisable(ctx, app, parser, args.JSON)
	default:
		return fmt.Errorf("unknown mfa subcommand: %s", parser.Subcommand())
	}
}

func mfaStatus(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	userID, err := parser.RequirePositional(1, "user ID")
	if err != nil {
		return err
	}

	status, err := app.MFA.GetStatus(ctx, userID)
	if err != nil {
		if jsonOut {
			return OutputJSONError("mfa status", err)
		}
		return err
	}

	if jsonOut {
		data := map[string]interface{}{
			"user_id":  userID,
			"enrolled": status.Enrolled,
			"verified": status.Verified,
			"enabled":  status.Enabled,
		}
		if status.Enrolled {
			data["type"] = status.Type
			data["remaining_backup_codes"] = status.RemainingBackupCodes
			data["failure_count"] = status.FailureCount
			if !status.EnrolledAt.IsZero() {
				data["enrolled_at"] = status.EnrolledAt.UTC().Format(time.RFC3339)
			}
			if !status.LastUsedAt.IsZero() {
				data["last_used_at"] = status.LastUsedAt.UTC().Format(time.RFC3339)
			}
		}
		return OutputJSON("mfa status", data)
	}

	fmt.Println(TitleStyle.Render("MFA Status"))
	fmt.Println(LabelStyle.Render("User:") + ValueStyle.Render(userID))
	if !status.Enrolled {
		fmt.Println(LabelStyle.Render("Enrolled:") + DimStyle.Render("no"))
		return nil
	}

	fmt.Println(LabelStyle.Render("Enrolled:") + SuccessStyle.Render("yes"))
	fmt.Println(LabelStyle.Render("Type:") + ValueStyle.Render(status.Type))
	fmt.Println(LabelStyle.Render("Verified:") + statusStyle(status.Verified).Render(yesNo(status.Verified)))
	fmt.Println(LabelStyle.Render("Enabled:") + statusStyle(status.Enabled).Render(yesNo(status.Enabled)))
	fmt.Println(LabelStyle.Render("Backup codes:") + ValueStyle.Render(fmt.Sprintf("%d remaining", status.RemainingBackupCodes)))
	if status.FailureCount > 0 {
		fmt.Println(LabelStyle.Render("Recent failures:") + WarningStyle.Render(fmt.Sprintf("%d", status.FailureCount)))
	}
	if !status.LastUsedAt.IsZero() {
		fmt.Println(LabelStyle.Render("Last used:") + ValueStyle.Render(status.LastUsedAt.Local().Format(time.RFC822)))
	}
	if status.RemainingBackupCodes <= 2 {
		fmt.Println(WarningStyle.Render("\nBackup codes are running low; the user should regenerate them."))
	}
	return nil
}

func mfaDisable(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	userID, err := parser.RequirePositional(1, "user ID")
	if err != nil {
		return err
	}
	if !parser.BoolFlag("confirm") {
		return fmt.Errorf("disabling MFA removes the enrollment and all backup codes; re-run with --confirm")
	}

	if err := app.MFA.Disable(ctx, userID); err != nil {
		if errors.Is(err, mfa.ErrNotEnrolled) {
			if jsonOut {
				return OutputJSONError("mfa disable", err)
			}
			fmt.Println(WarningStyle.Render("User has no MFA enrollment."))
			return nil
		}
		if jsonOut {
			return OutputJSONError("mfa disable", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("mfa disable", map[string]interface{}{
			"user_id":  userID,
			"disabled": true,
		})
	}

	fmt.Println(SuccessStyle.Render("MFA disabled.") +
		DimStyle.Render(fmt.Sprintf(" (%s, enrollment and backup codes removed)", userID)))
	return nil
}

func mfaRequirements(parser *ArgParser, jsonOut bool) error {
	role, err := parser.RequirePositional(1, "role")
	if err != nil {
		return err
	}

	req := mfa.ValidateRequirements(role)

	if jsonOut {
		return OutputJSON("mfa requirements", map[string]interface{}{
			"role":     role,
			"required": req.Required,
			"methods":  req.Methods,
		})
	}

	fmt.Println(TitleStyle.Render("MFA Policy"))
	fmt.Println(LabelStyle.Render("Role:") + ValueStyle.Render(role))
	if req.Required {
		fmt.Println(LabelStyle.Render("Required:") + WarningStyle.Render("yes"))
	} else {
		fmt.Println(LabelStyle.Render("Required:") + ValueStyle.Render("no"))
	}
	if len(req.Methods) > 0 {
		fmt.Println(LabelStyle.Render("Methods:") + ValueStyle.Render(strings.Join(req.Methods, ", ")))
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
