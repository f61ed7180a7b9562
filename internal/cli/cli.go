// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command routing for dinosec.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdSession Command = iota
	CmdLockout
	CmdMFA
	CmdPermission
	CmdAudit
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON    bool
	Quiet   bool
	Verbose bool

	// First positional after the command, if any
	Subcommand string

	// Raw args remaining after the command name (includes the subcommand)
	Raw []string
}

const usageText = `dinosec - account security administration

Dinosec manages the account security state of a DinoAir installation:
sessions, lockouts, MFA enrollment, API key permissions, and the
security audit trail.

Usage:
  dinosec session [subcommand]    Session management
  dinosec lockout [subcommand]    Account lockout management
  dinosec mfa [subcommand]        MFA enrollment status
  dinosec perms [subcommand]      API key permission management
  dinosec audit [subcommand]      Security event log
  dinosec version                 Show version information
  dinosec help                    Show this help

Session Commands:
  dinosec session list --user ID        List active sessions for a user
  dinosec session revoke <session-id>   End a single session
  dinosec session revoke-all <user>     End every session for a user
    --reason REASON                     End reason (default: security)
  dinosec session sweep                 Remove expired session rows

Lockout Commands:
  dinosec lockout status <identifier>   Show lockout state
    --type email|ip                     Identifier type (default: email)
  dinosec lockout reset <identifier>    Clear a lockout (audited)
    --type email|ip                     Identifier type (default: email)
  dinosec lockout stats                 Lockout statistics
    --window DURATION                   Look-back window (default: 24h)

MFA Commands:
  dinosec mfa status <user>             Show enrollment status
  dinosec mfa disable <user> --confirm  Remove MFA enrollment
  dinosec mfa requirements <role>       Show MFA policy for a role

Permission Commands:
  dinosec perms catalog                 List all known permissions
  dinosec perms list <key-id>           List grants for an API key
  dinosec perms grant <key-id> <perm>   Add a grant
    --scope SCOPE                       Optional resource scope
  dinosec perms revoke <key-id> <perm>  Remove a grant
    --scope SCOPE                       Optional resource scope
  dinosec perms set <key-id> <perm...>  Replace all grants atomically

Audit Commands:
  dinosec audit show                    Show recent security events
    --user ID                           Filter by user
    --limit N                           Show last N events (default: 50)
  dinosec audit verify                  Verify mirror log integrity
    --file PATH                         Mirror file (default: configured path)

Global Flags:
  --json                Output in JSON format
  -q, --quiet           Suppress non-essential output
  -v, --verbose         Verbose output
`

// PrintUsage writes the usage text to stdout.
func PrintUsage() {
	fmt.Print(usageText)
}

// PrintVersion writes version information to stdout.
func PrintVersion() {
	fmt.Printf("dinosec %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
}

// Parse reads os.Args and returns the command to run plus parsed arguments.
func Parse() (Command, Args) {
	args := os.Args[1:]

	remaining, parsedArgs := parseGlobalFlags(args)

	if len(remaining) == 0 {
		return CmdHelp, parsedArgs
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsedArgs.Raw = remaining
	if len(remaining) > 0 {
		parsedArgs.Subcommand = remaining[0]
	}

	switch cmd {
	case "session", "sessions":
		return CmdSession, parsedArgs

	case "lockout", "lockouts", "lock":
		return CmdLockout, parsedArgs

	case "mfa", "totp":
		return CmdMFA, parsedArgs

	case "perms", "perm", "permission", "permissions":
		return CmdPermission, parsedArgs

	case "audit", "events":
		return CmdAudit, parsedArgs

	case "version", "--version", "-V":
		return CmdVersion, parsedArgs

	case "help", "--help", "-h":
		return CmdHelp, parsedArgs

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		return CmdHelp, parsedArgs
	}
}

// parseGlobalFlags strips global flags from args, returning the rest.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	var parsedArgs Args

	for _, arg := range args {
		switch arg {
		case "--json":
			parsedArgs.JSON = true
		case "-q", "--quiet":
			parsedArgs.Quiet = true
		case "-v", "--verbose":
			parsedArgs.Verbose = true
		default:
			remaining = append(remaining, arg)
		}
	}

	return remaining, parsedArgs
}
