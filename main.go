// dinosec - account security administration for DinoAir.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	var err error
	switch cmd {
	case cli.CmdSession:
		err = cli.HandleSession(args)
	case cli.CmdLockout:
		err = cli.HandleLockout(args)
	case cli.CmdMFA:
		err = cli.HandleMFA(args)
	case cli.CmdPermission:
		err = cli.HandlePermission(args)
	case cli.CmdAudit:
		err = cli.HandleAudit(args)
	case cli.CmdVersion:
		cli.PrintVersion()
	case cli.CmdHelp:
		cli.PrintUsage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
