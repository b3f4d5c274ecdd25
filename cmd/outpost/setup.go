// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/outpost-sec/outpost/lib/secret"
)

// runSetup enrolls the machine: it collects the identifiers and the
// shared signing key, writes the key file 0600, and writes a starter
// config the core daemon can run with. Existing files are never
// overwritten unless --force is given.
func runSetup(args []string) error {
	var tenantID, assetID, identityID, transportURL string
	var configPath, keyFile, keyFrom string
	var force bool

	flagSet := pflag.NewFlagSet("outpost setup", pflag.ContinueOnError)
	flagSet.StringVar(&tenantID, "tenant-id", "", "control-plane tenant (required)")
	flagSet.StringVar(&assetID, "asset-id", "", "asset identifier (defaults to hostname)")
	flagSet.StringVar(&identityID, "identity-id", "", "enrolled agent identity (required)")
	flagSet.StringVar(&transportURL, "url", "", "control-plane base URL (required)")
	flagSet.StringVar(&configPath, "config", "/etc/outpost/config.yaml", "config file to write")
	flagSet.StringVar(&keyFile, "key-file", "/etc/outpost/shared.key", "signing key file to write")
	flagSet.StringVar(&keyFrom, "key-from", "", "read the signing key from this file instead of prompting")
	flagSet.BoolVar(&force, "force", false, "overwrite existing config and key files")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if tenantID == "" || identityID == "" || transportURL == "" {
		return fmt.Errorf("setup requires --tenant-id, --identity-id, and --url")
	}
	if assetID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("no --asset-id and hostname detection failed: %w", err)
		}
		assetID = hostname
	}

	if !force {
		for _, path := range []string{configPath, keyFile} {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
	}

	key, err := readKey(keyFrom)
	if err != nil {
		return err
	}
	defer key.Close()
	if key.Len() < 32 {
		return fmt.Errorf("signing key is %d bytes; the control plane issues 32-byte keys", key.Len())
	}

	if err := writePrivate(keyFile, key.Bytes()); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}

	configBody := fmt.Sprintf(`# Outpost agent configuration. See 'outpost check'.
tenant_id: %q
asset_id: %q
identity_id: %q

transport:
  url: %q
  shared_key_file: %q

# defence:
#   mode: enforce
#   allow_quarantine_file: true

# evidence:
#   seal_recipient: age1...   # from 'outpost keygen'
`, tenantID, assetID, identityID, transportURL, keyFile)

	if err := writePrivate(configPath, []byte(configBody)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("wrote %s and %s\n", configPath, keyFile)
	fmt.Printf("verify with: outpost check --config %s\n", configPath)
	return nil
}

// readKey obtains the shared signing key: from a file when named,
// otherwise from a hidden terminal prompt.
func readKey(keyFrom string) (*secret.Buffer, error) {
	if keyFrom != "" {
		key, err := secret.ReadFromPath(keyFrom)
		if err != nil {
			return nil, fmt.Errorf("reading key from %s: %w", keyFrom, err)
		}
		return key, nil
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return nil, fmt.Errorf("no terminal for the key prompt (use --key-from)")
	}

	fmt.Fprint(os.Stderr, "Shared signing key: ")
	keyBytes, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	buffer, err := secret.NewFromBytes(keyBytes)
	if err != nil {
		secret.Zero(keyBytes)
		return nil, err
	}
	return buffer, nil
}

// writePrivate writes the file 0600 with its parent directory 0700.
func writePrivate(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
