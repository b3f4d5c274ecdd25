// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package patchjob

import (
	"errors"
	"fmt"
	"time"

	"github.com/outpost-sec/outpost/lib/signing"
)

// Validation failures. Every inbound command is checked against all
// three gates before anything else happens to it; a failed command is
// discarded for the cycle, unexecuted and unacknowledged.
var (
	ErrAssetMismatch    = errors.New("patchjob: command asset does not match local identity")
	ErrStaleCommand     = errors.New("patchjob: command issue time outside skew tolerance")
	ErrInvalidSignature = errors.New("patchjob: command signature verification failed")
)

// Verifier is the signature surface validation needs.
type Verifier interface {
	Verify(payload []byte, timestamp int64, signature string) bool
}

var _ Verifier = (*signing.Signer)(nil)

// Validate checks a polled command against the local trust boundary:
// asset identity, issue-time skew, and signature, in that order. The
// skew boundary is inclusive — a command issued exactly skew ago is
// still valid. An empty command asset id never matches: a broadcast
// command must not bypass the identity check.
func Validate(command Command, assetID string, now time.Time, skew time.Duration, verifier Verifier) error {
	if command.AssetID == "" || command.AssetID != assetID {
		return fmt.Errorf("%w: got %q, want %q", ErrAssetMismatch, command.AssetID, assetID)
	}

	if command.IssuedAt == 0 {
		return fmt.Errorf("%w: issued_at missing", ErrStaleCommand)
	}
	gap := now.Unix() - command.IssuedAt
	if gap < 0 {
		gap = -gap
	}
	if time.Duration(gap)*time.Second > skew {
		return fmt.Errorf("%w: issued %ds from now, tolerance %s", ErrStaleCommand, gap, skew)
	}

	payload, err := CanonicalPayload(command)
	if err != nil {
		return err
	}
	if !verifier.Verify(payload, command.IssuedAt, command.Signature) {
		return fmt.Errorf("%w: job %s", ErrInvalidSignature, command.JobID)
	}
	return nil
}
