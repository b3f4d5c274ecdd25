// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package patchjob

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// canonicalCommand fixes the field order of the signed reconstruction.
// The signature covers exactly this JSON serialization; adding,
// removing, or reordering fields is a breaking change to the command
// channel and must be coordinated with the backend signer.
type canonicalCommand struct {
	JobID        string                `json:"job_id"`
	AssetID      string                `json:"asset_id"`
	ScheduledAt  string                `json:"scheduled_at"`
	RebootPolicy string                `json:"reboot_policy"`
	IssuedAt     int64                 `json:"issued_at"`
	Nonce        string                `json:"nonce"`
	Patches      []canonicalDescriptor `json:"patches"`
}

type canonicalDescriptor struct {
	PatchID  string `json:"patch_id"`
	Title    string `json:"title"`
	Vendor   string `json:"vendor"`
	Severity string `json:"severity"`
	KB       string `json:"kb"`
}

// CanonicalPayload returns the byte-exact payload the command's
// signature covers. The scheduled_at string is carried through as
// received; patches serialize as an array even when empty (null would
// change the bytes). HTML escaping is disabled: the backend signer
// emits `&`, `<`, and `>` as raw bytes, and `&` in a patch title
// would fail a valid signature.
func CanonicalPayload(command Command) ([]byte, error) {
	patches := make([]canonicalDescriptor, len(command.Patches))
	for i, patch := range command.Patches {
		patches[i] = canonicalDescriptor(patch)
	}

	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	err := encoder.Encode(canonicalCommand{
		JobID:        command.JobID,
		AssetID:      command.AssetID,
		ScheduledAt:  command.ScheduledAt,
		RebootPolicy: command.RebootPolicy,
		IssuedAt:     command.IssuedAt,
		Nonce:        command.Nonce,
		Patches:      patches,
	})
	if err != nil {
		return nil, fmt.Errorf("patchjob: encoding canonical payload for job %s: %w", command.JobID, err)
	}
	// Encode appends a newline the signature does not cover.
	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n")), nil
}
