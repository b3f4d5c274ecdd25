// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package patchjob turns remotely-issued patch directives into
// scheduled, executed, and reported work.
//
// The lifecycle of one command is Polled → Acknowledged →
// (Scheduled)* → Executing → Completed/Failed → Reported, driven by
// [Orchestrator.Run]. Commands cross a hard trust boundary at poll
// time: the asset id must match the local identity, the issue
// timestamp must sit inside the skew window, and the HMAC signature
// must verify over the canonical reconstruction of the command. A
// command that fails any of those checks is discarded for the cycle —
// never executed, never acknowledged.
//
// Re-delivery of an already-completed job is guarded locally by
// [Ledger]: the stored outcome is re-reported instead of re-running
// the patch set. Preventing re-issue in the first place remains the
// backend job queue's responsibility.
package patchjob

import "time"

// Ack statuses. Each state transition of a job emits one; the set is
// closed and part of the command-channel contract.
const (
	AckReceived  = "received"
	AckScheduled = "scheduled"
	AckCompleted = "completed"
)

// Terminal result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Descriptor identifies one patch inside a command.
type Descriptor struct {
	PatchID  string `json:"patch_id"`
	Title    string `json:"title"`
	Vendor   string `json:"vendor"`
	Severity string `json:"severity"`
	KB       string `json:"kb"`
}

// Command is a signed patch directive from the backend. ScheduledAt is
// kept as the raw string received on the wire: it is part of the
// signed canonical payload, and re-formatting it would invalidate the
// signature.
type Command struct {
	JobID        string       `json:"job_id"`
	AssetID      string       `json:"asset_id"`
	RebootPolicy string       `json:"reboot_policy"`
	ScheduledAt  string       `json:"scheduled_at"`
	Patches      []Descriptor `json:"patches"`
	IssuedAt     int64        `json:"issued_at"`
	Nonce        string       `json:"nonce"`
	Signature    string       `json:"signature"`
}

// ScheduledTime parses the command's scheduled_at. A missing or
// malformed value means "now": the backend omits the field for
// immediate jobs, and a garbled one must not park a job forever.
func (c Command) ScheduledTime() (time.Time, bool) {
	if c.ScheduledAt == "" {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339, c.ScheduledAt)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Ack is a fire-and-forget state-transition notification.
type Ack struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
}

// Result is the terminal record of one execution.
type Result struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	Result         string `json:"result"`
	ExitCode       int    `json:"exit_code"`
	RebootRequired bool   `json:"reboot_required"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
	StartedAt      string `json:"started_at"`
	CompletedAt    string `json:"completed_at"`
}

// ExecuteRequest is the core's patch-set execution request to the
// execution service, carried over the local channel.
type ExecuteRequest struct {
	JobID          string       `json:"job_id"`
	RebootPolicy   string       `json:"reboot_policy"`
	Patches        []Descriptor `json:"patches"`
	TimeoutSeconds int          `json:"timeout_seconds"`

	// RebootExitCode is the runner exit code meaning "installed,
	// reboot required". Configuration travels with the request so the
	// execution service needs no config file of its own.
	RebootExitCode int `json:"reboot_exit_code"`
}

// Outcome is the execution service's reply: what actually happened
// when the patch set ran.
type Outcome struct {
	JobID          string `json:"job_id"`
	ExitCode       int    `json:"exit_code"`
	RebootRequired bool   `json:"reboot_required"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`

	// Error is a transport-level failure message (runner missing,
	// timeout). Empty means the runner ran to completion, whatever its
	// exit code.
	Error string `json:"error,omitempty"`
}
