// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package patchjob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-sec/outpost/lib/backoff"
	"github.com/outpost-sec/outpost/lib/clock"
)

// CommandChannel is the backend surface the orchestrator polls and
// reports through. *Client implements it; tests substitute fakes.
type CommandChannel interface {
	Next(ctx context.Context, assetID string) (*Command, error)
	Ack(ctx context.Context, ack Ack) error
	Report(ctx context.Context, result Result) error
	CloseIdleConnections()
}

// Executor runs one patch set and reports what happened. The core's
// implementation brokers the request to the execution service over the
// local channel; execution is not retried here.
type Executor interface {
	Execute(ctx context.Context, request ExecuteRequest) (Outcome, error)
}

// Mirror receives a copy of every terminal result for the broader
// telemetry channel. The uplink queue implements it.
type Mirror interface {
	Enqueue(kind string, payload any) error
}

// MirrorKindPatchResult labels mirrored results on the uplink.
const MirrorKindPatchResult = "patch-result"

// OrchestratorConfig holds the parameters for creating an Orchestrator.
type OrchestratorConfig struct {
	// Channel is the backend command channel. Required.
	Channel CommandChannel

	// Executor runs validated patch sets. Required.
	Executor Executor

	// Ledger guards against re-delivered jobs. Required.
	Ledger *Ledger

	// Verifier checks command signatures. Required.
	Verifier Verifier

	// Mirror receives terminal results for the telemetry channel.
	// Optional.
	Mirror Mirror

	// AssetID is the local identity commands must match. Required.
	AssetID string

	// PollInterval is the command-channel poll cadence. Required,
	// positive. Scheduling-wait increments are capped by it.
	PollInterval time.Duration

	// MaxPollInterval caps the backoff while the command channel is
	// unreachable. Defaults to four poll intervals.
	MaxPollInterval time.Duration

	// SkewTolerance bounds |now - issued_at| on inbound commands.
	// Required, non-negative.
	SkewTolerance time.Duration

	// ExecTimeout caps one patch-set execution. Travels with the
	// execute request.
	ExecTimeout time.Duration

	// RebootExitCode is the runner exit code meaning "installed,
	// reboot required". Travels with the execute request.
	RebootExitCode int

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Orchestrator drives the patch-job state machine. One job is fully
// processed per poll cycle; jobs on one asset are strictly sequential.
type Orchestrator struct {
	channel        CommandChannel
	executor       Executor
	ledger         *Ledger
	verifier       Verifier
	mirror         Mirror
	assetID        string
	pollInterval   time.Duration
	maxInterval    time.Duration
	skew           time.Duration
	execTimeout    time.Duration
	rebootExitCode int
	clock          clock.Clock
	logger         *slog.Logger
}

// NewOrchestrator creates a patch-job orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("patchjob: Channel is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("patchjob: Executor is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("patchjob: Ledger is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("patchjob: Verifier is required")
	}
	if cfg.AssetID == "" {
		return nil, fmt.Errorf("patchjob: AssetID is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("patchjob: PollInterval must be positive")
	}
	if cfg.SkewTolerance < 0 {
		return nil, fmt.Errorf("patchjob: SkewTolerance must not be negative")
	}

	maxInterval := cfg.MaxPollInterval
	if maxInterval < cfg.PollInterval {
		maxInterval = 4 * cfg.PollInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		channel:        cfg.Channel,
		executor:       cfg.Executor,
		ledger:         cfg.Ledger,
		verifier:       cfg.Verifier,
		mirror:         cfg.Mirror,
		assetID:        cfg.AssetID,
		pollInterval:   cfg.PollInterval,
		maxInterval:    maxInterval,
		skew:           cfg.SkewTolerance,
		execTimeout:    cfg.ExecTimeout,
		rebootExitCode: cfg.RebootExitCode,
		clock:          clk,
		logger:         logger.With("component", "patchjob"),
	}, nil
}

// Run polls for jobs until ctx is cancelled. Poll failures stretch the
// cycle with the shared backoff schedule and never crash the loop; a
// command that fails validation is discarded and the loop continues.
// Returns ctx.Err() on shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := o.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			o.channel.CloseIdleConnections()
			o.logger.Warn("poll cycle failed",
				"error", err,
				"consecutive_failures", failures,
			)
		} else {
			failures = 0
		}

		wait := backoff.Interval(o.pollInterval, failures, o.maxInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clock.After(wait):
		}
	}
}

// cycle polls once and fully processes any job it receives. The
// returned error covers the poll itself; per-job failures are handled
// inside and do not stretch the poll cadence.
func (o *Orchestrator) cycle(ctx context.Context) error {
	command, err := o.channel.Next(ctx, o.assetID)
	if err != nil {
		return err
	}
	if command == nil {
		return nil
	}

	if err := Validate(*command, o.assetID, o.clock.Now(), o.skew, o.verifier); err != nil {
		// Hard trust boundary: the command is dropped unexecuted and
		// unacknowledged. A forged or replayed command must not be
		// able to do more than consume this log line.
		o.logger.Warn("discarding invalid command",
			"job_id", command.JobID,
			"error", err,
		)
		return nil
	}

	if done, err := o.replayFromLedger(ctx, *command); err != nil {
		o.logger.Error("ledger lookup failed, discarding command",
			"job_id", command.JobID,
			"error", err,
		)
		return nil
	} else if done {
		return nil
	}

	o.process(ctx, *command)
	return nil
}

// replayFromLedger re-reports a job that already ran on this asset.
// Returns done=true when the command was handled as a replay.
func (o *Orchestrator) replayFromLedger(ctx context.Context, command Command) (bool, error) {
	stored, found, err := o.ledger.Lookup(ctx, command.JobID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	o.logger.Info("re-delivered job, re-reporting stored outcome",
		"job_id", command.JobID,
		"status", stored.Status,
	)
	o.ack(ctx, command.JobID, AckReceived, "job already completed on this asset")
	if err := o.channel.Report(ctx, stored); err != nil {
		o.logger.Warn("re-reporting stored result failed", "job_id", command.JobID, "error", err)
	}
	o.ack(ctx, command.JobID, AckCompleted, "result re-reported from local ledger")
	return true, nil
}

// process runs one validated command through acknowledge, scheduling
// wait, execution, and reporting.
func (o *Orchestrator) process(ctx context.Context, command Command) {
	o.logger.Info("processing patch job",
		"job_id", command.JobID,
		"patches", len(command.Patches),
		"scheduled_at", command.ScheduledAt,
	)

	// Immediate visibility for the backend, ahead of any scheduling
	// wait.
	o.ack(ctx, command.JobID, AckReceived, "command accepted")

	if !o.awaitSchedule(ctx, command) {
		o.logger.Info("shutdown during scheduling wait", "job_id", command.JobID)
		return
	}

	result := o.execute(ctx, command)
	if ctx.Err() != nil {
		return
	}

	// Ledger first: once the patch set has run, a lost report must
	// lead to a replay of the stored outcome, not a second execution.
	if err := o.ledger.Record(ctx, result); err != nil {
		o.logger.Error("recording job in ledger failed", "job_id", command.JobID, "error", err)
	}

	if err := o.channel.Report(ctx, result); err != nil {
		o.logger.Warn("reporting result failed", "job_id", command.JobID, "error", err)
	}
	if o.mirror != nil {
		if err := o.mirror.Enqueue(MirrorKindPatchResult, result); err != nil {
			o.logger.Warn("mirroring result to uplink failed", "job_id", command.JobID, "error", err)
		}
	}

	o.ack(ctx, command.JobID, AckCompleted, result.Status)
	o.logger.Info("patch job reported",
		"job_id", command.JobID,
		"status", result.Status,
		"exit_code", result.ExitCode,
		"reboot_required", result.RebootRequired,
	)
}

// awaitSchedule blocks until the command's scheduled time, waking at
// most every poll interval to send a scheduled ack. Returns false when
// ctx was cancelled before the window opened.
func (o *Orchestrator) awaitSchedule(ctx context.Context, command Command) bool {
	scheduledAt, ok := command.ScheduledTime()
	if !ok {
		return true
	}

	for {
		remaining := scheduledAt.Sub(o.clock.Now())
		if remaining <= 0 {
			return true
		}
		wait := remaining
		if wait > o.pollInterval {
			wait = o.pollInterval
		}

		o.ack(ctx, command.JobID, AckScheduled,
			fmt.Sprintf("waiting for scheduled window, %s remaining", remaining.Round(time.Second)))

		select {
		case <-ctx.Done():
			return false
		case <-o.clock.After(wait):
		}
	}
}

// execute runs the patch set through the executor and shapes the
// terminal result. Execution success is the executor's verdict; this
// component does not retry.
func (o *Orchestrator) execute(ctx context.Context, command Command) Result {
	startedAt := o.clock.Now()
	outcome, err := o.executor.Execute(ctx, ExecuteRequest{
		JobID:          command.JobID,
		RebootPolicy:   command.RebootPolicy,
		Patches:        command.Patches,
		TimeoutSeconds: int(o.execTimeout.Seconds()),
		RebootExitCode: o.rebootExitCode,
	})
	completedAt := o.clock.Now()

	result := Result{
		JobID:          command.JobID,
		ExitCode:       outcome.ExitCode,
		RebootRequired: outcome.RebootRequired,
		Stdout:         outcome.Stdout,
		Stderr:         outcome.Stderr,
		StartedAt:      startedAt.UTC().Format(time.RFC3339),
		CompletedAt:    completedAt.UTC().Format(time.RFC3339),
	}

	switch {
	case err != nil:
		result.Status = StatusFailed
		result.Result = fmt.Sprintf("execution failed: %v", err)
		result.ExitCode = -1
	case outcome.Error != "":
		result.Status = StatusFailed
		result.Result = "execution failed: " + outcome.Error
	case outcome.ExitCode == 0 || outcome.RebootRequired:
		result.Status = StatusCompleted
		result.Result = fmt.Sprintf("%d patch(es) applied", len(command.Patches))
	default:
		result.Status = StatusFailed
		result.Result = fmt.Sprintf("runner exited with code %d", outcome.ExitCode)
	}
	return result
}

// ack sends one state-transition notification. Ack delivery is
// fire-and-forget: a failure is logged and the state machine moves on.
func (o *Orchestrator) ack(ctx context.Context, jobID, status, detail string) {
	err := o.channel.Ack(ctx, Ack{
		JobID:     jobID,
		Status:    status,
		Detail:    detail,
		Timestamp: o.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		o.logger.Warn("ack delivery failed",
			"job_id", jobID,
			"status", status,
			"error", err,
		)
	}
}
