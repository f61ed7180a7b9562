// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// lockout_cmd.go - CLI commands for account lockout management.
//
// Command: lockout [subcommand]
// Short:   Account lockout management
//
// Subcommands:
//   status <identifier>   Show lockout state (default type: email)
//   reset <identifier>    Clear a lockout; counted and audited
//   stats                 Lockout statistics over a trailing window
//
// Examples:
//   dinosec lockout status alice@example.com
//   dinosec lockout status 10.0.0.1 --type ip
//   dinosec lockout reset alice@example.com
//   dinosec lockout stats --window 24h --json

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/lockout"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

// HandleLockout routes the lockout subcommands.
func HandleLockout(args Args) error {
	parser := NewArgParser(args.Raw)
	ctx := context.Background()

	app, err := NewApp()
	if err != nil {
		return err
	}
	defer app.Close()

	switch parser.Subcommand() {
	case "status", "":
		return lockoutStatus(ctx, app, parser, args.JSON)
	case "reset", "clear":
		return lockoutReset(ctx, app, parser, args.JSON)
	case "stats":
		return lockoutStats(ctx, app, parser, args.JSON)
	default:
		return fmt.Errorf("unknown lockout subcommand: %s", parser.Subcommand())
	}
}

func lockoutStatus(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	identifier, err := parser.RequirePositional(1, "identifier")
	if err != nil {
		return err
	}
	lockoutType := parser.FlagDefault("type", store.LockoutTypeEmail)

	status, err := app.Lockouts.CheckLockout(ctx, identifier, lockoutType)
	if err != nil && !errors.Is(err, lockout.ErrLocked) {
		if jsonOut {
			return OutputJSONError("lockout status", err)
		}
		return err
	}

	if jsonOut {
		data := map[string]interface{}{
			"identifier":      identifier,
			"type":            lockoutType,
			"locked":          status.Locked,
			"level":           status.Level,
			"failed_attempts": status.FailedAttempts,
		}
		if status.Locked {
			data["locked_until"] = status.LockedUntil.UTC().Format(time.RFC3339)
			data["remaining_seconds"] = int(status.Remaining.Seconds())
		}
		return OutputJSON("lockout status", data)
	}

	fmt.Println(TitleStyle.Render("Lockout Status"))
	fmt.Println(LabelStyle.Render("Identifier:") + ValueStyle.Render(identifier))
	fmt.Println(LabelStyle.Render("Type:") + ValueStyle.Render(lockoutType))
	if status.Locked {
		fmt.Println(LabelStyle.Render("State:") + ErrorStyle.Render("LOCKED"))
		fmt.Println(LabelStyle.Render("Level:") + ValueStyle.Render(fmt.Sprintf("%d", status.Level)))
		fmt.Println(LabelStyle.Render("Unlocks in:") + WarningStyle.Render(status.Remaining.Round(time.Second).String()))
	} else {
		fmt.Println(LabelStyle.Render("State:") + SuccessStyle.Render("unlocked"))
	}
	fmt.Println(LabelStyle.Render("Failed attempts:") + ValueStyle.Render(fmt.Sprintf("%d", status.FailedAttempts)))
	if !status.Locked && status.FailedAttempts > 0 {
		fmt.Println(DimStyle.Render("\nThe failure streak persists; further failures escalate from here."))
	}
	return nil
}

func lockoutReset(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	identifier, err := parser.RequirePositional(1, "identifier")
	if err != nil {
		return err
	}
	lockoutType := parser.FlagDefault("type", store.LockoutTypeEmail)

	if err := app.Lockouts.ClearLockout(ctx, identifier, lockoutType, true); err != nil {
		if jsonOut {
			return OutputJSONError("lockout reset", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("lockout reset", map[string]interface{}{
			"identifier": identifier,
			"type":       lockoutType,
			"cleared":    true,
		})
	}

	fmt.Println(SuccessStyle.Render("Lockout cleared.") +
		DimStyle.Render(fmt.Sprintf(" (%s %s, manual unlock audited)", lockoutType, identifier)))
	return nil
}

func lockoutStats(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	window, err := time.ParseDuration(parser.FlagDefault("window", "24h"))
	if err != nil {
		return fmt.Errorf("invalid --window: %w", err)
	}

	stats, err := app.Lockouts.GetStats(ctx, window)
	if err != nil {
		if jsonOut {
			return OutputJSONError("lockout stats", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("lockout stats", map[string]interface{}{
			"window":                window.String(),
			"total_lockouts":        stats.TotalLockouts,
			"active_lockouts":       stats.ActiveLockouts,
			"total_failed_attempts": stats.TotalFailedAttempts,
			"by_level":              stats.ByLevel,
			"by_type":               stats.ByType,
		})
	}

	fmt.Println(TitleStyle.Render("Lockout Statistics"))
	fmt.Println(LabelStyle.Render("Window:") + ValueStyle.Render(window.String()))
	fmt.Println(LabelStyle.Render("Lockouts:") + ValueStyle.Render(fmt.Sprintf("%d", stats.TotalLockouts)))
	fmt.Println(LabelStyle.Render("Active now:") + statusStyle(stats.ActiveLockouts == 0).Render(fmt.Sprintf("%d", stats.ActiveLockouts)))
	fmt.Println(LabelStyle.Render("Failed attempts:") + ValueStyle.Render(fmt.Sprintf("%d", stats.TotalFailedAttempts)))

	if stats.ActiveLockouts > 0 {
		fmt.Println(SectionStyle.Render("By Level"))
		for level := 1; level <= 4; level++ {
			if n := stats.ByLevel[level]; n > 0 {
				fmt.Println(LabelStyle.Render(fmt.Sprintf("  Level %d:", level)) + ValueStyle.Render(fmt.Sprintf("%d", n)))
			}
		}
		fmt.Println(SectionStyle.Render("By Type"))
		for _, t := range []string{store.LockoutTypeEmail, store.LockoutTypeIP} {
			if n := stats.ByType[t]; n > 0 {
				fmt.Println(LabelStyle.Render("  "+t+":") + ValueStyle.Render(fmt.Sprintf("%d", n)))
			}
		}
	}
	return nil
}
