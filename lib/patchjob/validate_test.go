// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package patchjob

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/outpost-sec/outpost/lib/secret"
	"github.com/outpost-sec/outpost/lib/signing"
)

const testAssetID = "asset-1"

// testSigner builds a signer around a fixed shared key. The buffer is
// closed with the test.
func testSigner(t *testing.T) *signing.Signer {
	t.Helper()
	key, err := secret.NewFromBytes([]byte("test-shared-key"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return signing.NewSigner(key)
}

// signedCommand returns a command for the local asset, issued at the
// given time and signed over its canonical payload.
func signedCommand(t *testing.T, signer *signing.Signer, issuedAt time.Time) Command {
	t.Helper()
	command := Command{
		JobID:        "job-42",
		AssetID:      testAssetID,
		RebootPolicy: "never",
		ScheduledAt:  "2026-03-14T09:00:00Z",
		IssuedAt:     issuedAt.Unix(),
		Nonce:        "f00dfeed",
		Patches: []Descriptor{
			{PatchID: "p-1", Title: "Kernel update", Vendor: "distro", Severity: "critical", KB: "KB5001"},
		},
	}

	payload, err := CanonicalPayload(command)
	if err != nil {
		t.Fatalf("CanonicalPayload: %v", err)
	}
	command.Signature, err = signer.Sign(payload, command.IssuedAt)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return command
}

func TestCanonicalPayloadFieldOrder(t *testing.T) {
	command := Command{
		JobID:        "j",
		AssetID:      "a",
		RebootPolicy: "never",
		ScheduledAt:  "2026-03-14T09:00:00Z",
		IssuedAt:     1700000000,
		Nonce:        "n",
		Patches:      []Descriptor{{PatchID: "p", Title: "t", Vendor: "v", Severity: "s", KB: "k"}},
	}

	payload, err := CanonicalPayload(command)
	if err != nil {
		t.Fatalf("CanonicalPayload: %v", err)
	}

	want := `{"job_id":"j","asset_id":"a","scheduled_at":"2026-03-14T09:00:00Z",` +
		`"reboot_policy":"never","issued_at":1700000000,"nonce":"n",` +
		`"patches":[{"patch_id":"p","title":"t","vendor":"v","severity":"s","kb":"k"}]}`
	if string(payload) != want {
		t.Errorf("canonical payload = %s, want %s", payload, want)
	}
}

func TestCanonicalPayloadKeepsHTMLCharactersRaw(t *testing.T) {
	command := Command{
		JobID:        "j",
		AssetID:      "a",
		RebootPolicy: "never",
		IssuedAt:     1700000000,
		Nonce:        "n",
		Patches: []Descriptor{
			{PatchID: "p", Title: "Security & Quality Rollup", Vendor: "v<w>", Severity: "s", KB: "k"},
		},
	}

	payload, err := CanonicalPayload(command)
	if err != nil {
		t.Fatalf("CanonicalPayload: %v", err)
	}

	// The backend signer emits &, <, and > as raw bytes; a &
	// escape here would fail every validly signed command whose title
	// contains an ampersand.
	want := `{"job_id":"j","asset_id":"a","scheduled_at":"",` +
		`"reboot_policy":"never","issued_at":1700000000,"nonce":"n",` +
		`"patches":[{"patch_id":"p","title":"Security & Quality Rollup","vendor":"v<w>","severity":"s","kb":"k"}]}`
	if string(payload) != want {
		t.Errorf("canonical payload = %s, want %s", payload, want)
	}
}

func TestValidateAcceptsTitleWithAmpersand(t *testing.T) {
	signer := testSigner(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	command := signedCommand(t, signer, now)
	command.Patches[0].Title = "Security & Quality Rollup"
	resignCanonical(t, signer, &command)

	if err := Validate(command, testAssetID, now, 300*time.Second, signer); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

// resignCanonical refreshes the signature after a field change.
func resignCanonical(t *testing.T, signer *signing.Signer, command *Command) {
	t.Helper()
	payload, err := CanonicalPayload(*command)
	if err != nil {
		t.Fatalf("CanonicalPayload: %v", err)
	}
	command.Signature, err = signer.Sign(payload, command.IssuedAt)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
}

func TestCanonicalPayloadEmptyPatchList(t *testing.T) {
	payload, err := CanonicalPayload(Command{JobID: "j"})
	if err != nil {
		t.Fatalf("CanonicalPayload: %v", err)
	}
	// An empty patch set serializes as [], never null; the backend
	// signer emits [] and null would change the signed bytes.
	if !strings.Contains(string(payload), `"patches":[]`) {
		t.Errorf("canonical payload = %s, want empty patches array", payload)
	}
}

func TestValidateAcceptsSignedCommand(t *testing.T) {
	signer := testSigner(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	command := signedCommand(t, signer, now)

	if err := Validate(command, testAssetID, now, 300*time.Second, signer); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateSkewBoundary(t *testing.T) {
	signer := testSigner(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		issuedAt time.Time
		wantErr  error
	}{
		{"exactly 300s old", now.Add(-300 * time.Second), nil},
		{"301s old", now.Add(-301 * time.Second), ErrStaleCommand},
		{"exactly 300s ahead", now.Add(300 * time.Second), nil},
		{"301s ahead", now.Add(301 * time.Second), ErrStaleCommand},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			command := signedCommand(t, signer, test.issuedAt)
			err := Validate(command, testAssetID, now, 300*time.Second, signer)
			if test.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Validate error = %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestValidateMissingIssuedAt(t *testing.T) {
	signer := testSigner(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	command := signedCommand(t, signer, now)
	command.IssuedAt = 0

	if err := Validate(command, testAssetID, now, 300*time.Second, signer); !errors.Is(err, ErrStaleCommand) {
		t.Fatalf("Validate error = %v, want ErrStaleCommand", err)
	}
}

func TestValidateAssetMismatch(t *testing.T) {
	signer := testSigner(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	command := signedCommand(t, signer, now)
	command.AssetID = "someone-else"
	if err := Validate(command, testAssetID, now, 300*time.Second, signer); !errors.Is(err, ErrAssetMismatch) {
		t.Fatalf("Validate error = %v, want ErrAssetMismatch", err)
	}

	// A broadcast command with no asset id must not bypass the check.
	command.AssetID = ""
	if err := Validate(command, testAssetID, now, 300*time.Second, signer); !errors.Is(err, ErrAssetMismatch) {
		t.Fatalf("Validate error for empty asset = %v, want ErrAssetMismatch", err)
	}
}

func TestValidateRejectsTamperedCommand(t *testing.T) {
	signer := testSigner(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mutate := map[string]func(*Command){
		"job id":        func(c *Command) { c.JobID = "job-43" },
		"reboot policy": func(c *Command) { c.RebootPolicy = "always" },
		"scheduled at":  func(c *Command) { c.ScheduledAt = "2026-03-14T09:00:01Z" },
		"nonce":         func(c *Command) { c.Nonce = "deadbeef" },
		"patch id":      func(c *Command) { c.Patches[0].PatchID = "p-2" },
		"signature":     func(c *Command) { c.Signature = "AAAA" + c.Signature[4:] },
	}
	for name, mutation := range mutate {
		t.Run(name, func(t *testing.T) {
			command := signedCommand(t, signer, now)
			mutation(&command)
			err := Validate(command, testAssetID, now, 300*time.Second, signer)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("Validate error = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestScheduledTime(t *testing.T) {
	command := Command{ScheduledAt: "2026-03-14T09:00:00Z"}
	at, ok := command.ScheduledTime()
	if !ok || !at.Equal(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("ScheduledTime = %v, %v; want parsed time, true", at, ok)
	}

	// Missing and malformed both mean "run now": a garbled timestamp
	// must not park a job forever.
	if _, ok := (Command{}).ScheduledTime(); ok {
		t.Error("ScheduledTime for empty value = true, want false")
	}
	if _, ok := (Command{ScheduledAt: "not-a-time"}).ScheduledTime(); ok {
		t.Error("ScheduledTime for malformed value = true, want false")
	}
}
