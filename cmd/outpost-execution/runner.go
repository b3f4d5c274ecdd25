// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/outpost-sec/outpost/lib/patchjob"
)

// outputLimit bounds the stdout and stderr carried back per job.
// Package managers can be verbose; the report keeps the tail, where
// the failure usually is.
const outputLimit = 16 * 1024

// runPatchSet installs the patches in order and folds the per-patch
// results into one outcome.
//
// Exit-code semantics: the runner exiting request.RebootExitCode means
// "installed, reboot required" — the set continues and the outcome is
// flagged. Any other non-zero exit stops the set and becomes the
// outcome's exit code. A runner that cannot be started or that
// outlives the timeout sets Error with exit code -1.
func runPatchSet(ctx context.Context, request patchjob.ExecuteRequest, runner string, logger *slog.Logger) patchjob.Outcome {
	outcome := patchjob.Outcome{JobID: request.JobID}
	var stdout, stderr bytes.Buffer

	timeout := time.Duration(request.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}

	for _, patch := range request.Patches {
		if runner == "" {
			// Builtin runner: record the patch as applied without
			// touching the system. Keeps the full pipeline usable on
			// hosts with no platform runner wired up.
			fmt.Fprintf(&stdout, "[%s] recorded (no runner configured)\n", patch.PatchID)
			logger.Info("patch recorded", "job_id", request.JobID, "patch_id", patch.PatchID)
			continue
		}

		exitCode, err := runOne(ctx, runner, patch.PatchID, timeout, &stdout, &stderr)
		if err != nil {
			outcome.ExitCode = -1
			outcome.Error = fmt.Sprintf("patch %s: %v", patch.PatchID, err)
			break
		}
		if exitCode == request.RebootExitCode && request.RebootExitCode != 0 {
			outcome.RebootRequired = true
			continue
		}
		if exitCode != 0 {
			outcome.ExitCode = exitCode
			break
		}
	}

	outcome.Stdout = tail(stdout.Bytes())
	outcome.Stderr = tail(stderr.Bytes())
	return outcome
}

// runOne invokes the runner for a single patch under its own timeout.
// The returned error covers failures to run at all; an unsuccessful
// exit comes back as a code.
func runOne(ctx context.Context, runner, patchID string, timeout time.Duration, stdout, stderr *bytes.Buffer) (int, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Fprintf(stdout, "[%s] ", patchID)
	fmt.Fprintf(stderr, "[%s] ", patchID)

	cmd := exec.CommandContext(runCtx, runner, patchID)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return 0, fmt.Errorf("timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// tail keeps the last outputLimit bytes.
func tail(b []byte) string {
	if len(b) <= outputLimit {
		return string(b)
	}
	return string(b[len(b)-outputLimit:])
}
