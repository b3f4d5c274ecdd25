// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost is the operator CLI for the Outpost endpoint agent: initial
// enrollment, evidence keypair generation, and configuration checks.
// The daemons never prompt; everything interactive lives here.
package main

import (
	"fmt"
	"os"

	"github.com/outpost-sec/outpost/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "setup":
		return runSetup(os.Args[2:])
	case "keygen":
		return runKeygen()
	case "check":
		return runCheck(os.Args[2:])
	case "version":
		fmt.Printf("outpost %s\n", version.Full())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: outpost <subcommand> [flags]

Subcommands:
  setup      Enroll this machine: write the agent config and signing key
  keygen     Generate an age keypair for evidence sealing
  check      Validate the agent configuration and key material
  version    Print version information

Run 'outpost <subcommand> --help' for subcommand flags.
`)
}
