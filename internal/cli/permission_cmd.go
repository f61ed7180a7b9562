// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// permission_cmd.go - CLI commands for API key permission management.
//
// Command: perms [subcommand]
// Short:   API key permission management
//
// Subcommands:
//   catalog                     List all known permissions
//   list <key-id>               List grants for an API key
//   grant <key-id> <perm>       Add a grant (--scope optional)
//   revoke <key-id> <perm>      Remove a grant (--scope optional)
//   set <key-id> <perm...>      Replace all grants atomically
//   check <key-id> <perm>       Check whether a key holds a permission
//
// Examples:
//   dinosec perms catalog
//   dinosec perms grant key-123 files:write --scope project-a
//   dinosec perms set key-123 chat:read chat:write
//   dinosec perms check key-123 files:read --json

package cli

import (
	"context"
	"fmt"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/permission"
)

// grantSummary is the JSON shape for one grant.
type grantSummary struct {
	Permission    string `json:"permission"`
	ResourceScope string `json:"resource_scope,omitempty"`
}

// HandlePermission routes the perms subcommands.
func HandlePermission(args Args) error {
	parser := NewArgParser(args.Raw)

	// The catalog is static; no store needed.
	if parser.Subcommand() == "catalog" || parser.Subcommand() == "" {
		return permsCatalog(args.JSON)
	}

	ctx := context.Background()
	app, err := NewApp()
	if err != nil {
		return err
	}
	defer app.Close()

	switch parser.Subcommand() {
	case "list", "ls":
		return permsList(ctx, app, parser, args.JSON)
	case "grant", "add":
		return permsGrant(ctx, app, parser, args.JSON)
	case "revoke", "remove":
		return permsRevoke(ctx, app, parser, args.JSON)
	case "set":
		return permsSet(ctx, app, parser, args.JSON)
	case "check":
		return permsCheck(ctx, app, parser, args.JSON)
	default:
		return fmt.Errorf("unknown perms subcommand: %s", parser.Subcommand())
	}
}

func permsCatalog(jsonOut bool) error {
	descriptors := permission.Available()

	if jsonOut {
		out := make([]map[string]interface{}, 0, len(descriptors))
		for _, d := range descriptors {
			out = append(out, map[string]interface{}{
				"permission":  string(d.Permission),
				"description": d.Description,
				"level":       d.Level,
			})
		}
		return OutputJSON("perms catalog", map[string]interface{}{
			"count":       len(out),
			"permissions": out,
		})
	}

	fmt.Println(TitleStyle.Render("Permission Catalog"))
	for _, d := range descriptors {
		fmt.Println(LabelStyle.Render(string(d.Permission)) + ValueStyle.Render(d.Description))
	}
	fmt.Println(DimStyle.Render("\nWithin a family, admin implies write, and both imply read."))
	return nil
}

func permsList(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	keyID, err := parser.RequirePositional(1, "key ID")
	if err != nil {
		return err
	}

	grants, err := app.Perms.List(ctx, keyID)
	if err != nil {
		if jsonOut {
			return OutputJSONError("perms list", err)
		}
		return err
	}

	if jsonOut {
		out := make([]grantSummary, 0, len(grants))
		for _, g := range grants {
			out = append(out, grantSummary{
				Permission:    string(g.Permission),
				ResourceScope: g.ResourceScope,
			})
		}
		return OutputJSON("perms list", map[string]interface{}{
			"key_id": keyID,
			"count":  len(out),
			"grants": out,
		})
	}

	fmt.Println(TitleStyle.Render("Permission Grants"))
	fmt.Println(LabelStyle.Render("Key:") + ValueStyle.Render(keyID))
	if len(grants) == 0 {
		fmt.Println(DimStyle.Render("\nNo grants."))
		return nil
	}
	fmt.Println()
	for _, g := range grants {
		line := ValueStyle.Render(string(g.Permission))
		if g.ResourceScope != "" {
			line += DimStyle.Render(" (scope: " + g.ResourceScope + ")")
		}
		fmt.Println("  " + line)
	}
	return nil
}

func permsGrant(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	keyID, err := parser.RequirePositional(1, "key ID")
	if err != nil {
		return err
	}
	perm, err := parser.RequirePositional(2, "permission")
	if err != nil {
		return err
	}
	scope := parser.Flag("scope")

	if err := app.Perms.Add(ctx, keyID, permission.Permission(perm), scope); err != nil {
		if jsonOut {
			return OutputJSONError("perms grant", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("perms grant", map[string]interface{}{
			"key_id":         keyID,
			"permission":     perm,
			"resource_scope": scope,
		})
	}

	msg := fmt.Sprintf("Granted %s to %s.", perm, keyID)
	if scope != "" {
		msg = fmt.Sprintf("Granted %s (scope %s) to %s.", perm, scope, keyID)
	}
	fmt.Println(SuccessStyle.Render(msg))
	return nil
}

func permsRevoke(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	keyID, err := parser.RequirePositional(1, "key ID")
	if err != nil {
		return err
	}
	perm, err := parser.RequirePositional(2, "permission")
	if err != nil {
		return err
	}
	scope := parser.Flag("scope")

	if err := app.Perms.Remove(ctx, keyID, permission.Permission(perm), scope); err != nil {
		if jsonOut {
			return OutputJSONError("perms revoke", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("perms revoke", map[string]interface{}{
			"key_id":         keyID,
			"permission":     perm,
			"resource_scope": scope,
		})
	}

	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Revoked %s from %s.", perm, keyID)))
	return nil
}

func permsSet(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	keyID, err := parser.RequirePositional(1, "key ID")
	if err != nil {
		return err
	}

	var grants []permission.Grant
	for i := 2; ; i++ {
		perm := parser.Positional(i)
		if perm == "" {
			break
		}
		grants = append(grants, permission.Grant{Permission: permission.Permission(perm)})
	}

	count, err := app.Perms.SetAll(ctx, keyID, grants)
	if err != nil {
		if jsonOut {
			return OutputJSONError("perms set", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("perms set", map[string]interface{}{
			"key_id": keyID,
			"count":  count,
		})
	}

	if count == 0 {
		fmt.Println(SuccessStyle.Render(fmt.Sprintf("Cleared all grants for %s.", keyID)))
		return nil
	}
	fmt.Println(SuccessStyle.Render(fmt.Sprintf("Replaced grants for %s: %d permission(s).", keyID, count)))
	return nil
}

func permsCheck(ctx context.Context, app *App, parser *ArgParser, jsonOut bool) error {
	keyID, err := parser.RequirePositional(1, "key ID")
	if err != nil {
		return err
	}
	perm, err := parser.RequirePositional(2, "permission")
	if err != nil {
		return err
	}

	allowed, err := app.Perms.Has(ctx, keyID, permission.Permission(perm))
	if err != nil {
		if jsonOut {
			return OutputJSONError("perms check", err)
		}
		return err
	}

	if jsonOut {
		return OutputJSON("perms check", map[string]interface{}{
			"key_id":     keyID,
			"permission": perm,
			"allowed":    allowed,
		})
	}

	if allowed {
		fmt.Println(SuccessStyle.Render("ALLOWED") + DimStyle.Render(fmt.Sprintf(" (%s has %s)", keyID, perm)))
	} else {
		fmt.Println(ErrorStyle.Render("DENIED") + DimStyle.Render(fmt.Sprintf(" (%s lacks %s)", keyID, perm)))
	}
	return nil
}
