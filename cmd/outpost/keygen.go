// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/outpost-sec/outpost/lib/sealed"
)

// runKeygen generates an age keypair for evidence sealing. The public
// key (the config's evidence.seal_recipient) goes to stdout; the
// private key goes to stderr so a redirect captures only the half that
// belongs on the endpoint.
func runKeygen() error {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	defer keypair.Close()

	fmt.Fprintf(os.Stderr, "# Private key (keep off the endpoint — unsealing happens server-side):\n")
	fmt.Fprintf(os.Stderr, "%s\n", keypair.PrivateKey.String())
	fmt.Fprintf(os.Stdout, "%s\n", keypair.PublicKey)
	return nil
}
