// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/outpost-sec/outpost/lib/config"
	"github.com/outpost-sec/outpost/lib/sealed"
)

// runCheck loads and validates the agent configuration the way the
// core daemon would at startup, including key material, and prints
// what the daemon would run with. Exit status is the answer; the
// summary is for humans.
func runCheck(args []string) error {
	var configPath string

	flagSet := pflag.NewFlagSet("outpost check", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath),
		"path to the agent configuration file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid:\n%w", err)
	}

	key, err := cfg.LoadSharedKey()
	if err != nil {
		return err
	}
	key.Close()

	if cfg.Evidence.SealRecipient != "" {
		if err := sealed.ParsePublicKey(cfg.Evidence.SealRecipient); err != nil {
			return fmt.Errorf("evidence.seal_recipient: %w", err)
		}
	}

	fmt.Printf("configuration ok\n")
	fmt.Printf("  tenant:     %s\n", cfg.TenantID)
	fmt.Printf("  asset:      %s\n", cfg.AssetID)
	fmt.Printf("  identity:   %s\n", cfg.IdentityID)
	fmt.Printf("  transport:  %s\n", cfg.Transport.URL)
	fmt.Printf("  defence:    %s (policy %s)\n", cfg.Defence.Mode, cfg.Defence.PolicyID)
	if cfg.Evidence.SealRecipient != "" {
		fmt.Printf("  sealing:    %s\n", cfg.Evidence.SealRecipient)
	} else {
		fmt.Printf("  sealing:    disabled\n")
	}
	fmt.Printf("  state dir:  %s\n", cfg.Paths.State)
	return nil
}
