// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-sec/outpost/lib/channel"
	"github.com/outpost-sec/outpost/lib/patchjob"
	"github.com/outpost-sec/outpost/lib/wire"
)

// resultGrace pads the executor wait beyond the request timeout so the
// execution service gets to report its own timeout outcome before the
// core gives up on the exchange.
const resultGrace = 30 * time.Second

// channelExecutor runs patch sets by relaying them to the execution
// service over its channel. Execute sends a patch.execute envelope and
// blocks until the matching patch.result arrives; handleEnvelope is the
// channel server's inbound handler delivering those results.
type channelExecutor struct {
	logger *slog.Logger

	mu      sync.Mutex
	server  *channel.Server
	pending map[string]chan patchjob.Outcome
}

func newChannelExecutor(logger *slog.Logger) *channelExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &channelExecutor{
		logger:  logger.With("component", "executor"),
		pending: make(map[string]chan patchjob.Outcome),
	}
}

// attach binds the executor to the channel server it sends on. Split
// from construction because the server's handler is this executor: the
// two reference each other.
func (e *channelExecutor) attach(server *channel.Server) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.server = server
}

// Execute relays the request to the execution service and waits for
// its outcome. ErrNoPeer surfaces as an executor error; the
// orchestrator reports the job failed rather than leaving it pending,
// and the backend decides whether to reissue.
func (e *channelExecutor) Execute(ctx context.Context, request patchjob.ExecuteRequest) (patchjob.Outcome, error) {
	e.mu.Lock()
	server := e.server
	if server == nil {
		e.mu.Unlock()
		return patchjob.Outcome{}, fmt.Errorf("executor: no channel attached")
	}
	if _, exists := e.pending[request.JobID]; exists {
		e.mu.Unlock()
		return patchjob.Outcome{}, fmt.Errorf("executor: job %s already in flight", request.JobID)
	}
	results := make(chan patchjob.Outcome, 1)
	e.pending[request.JobID] = results
	e.mu.Unlock()
	defer e.forget(request.JobID)

	envelope, err := wire.NewEnvelope(wire.KindPatchExecute, request)
	if err != nil {
		return patchjob.Outcome{}, err
	}
	if err := server.Send(envelope); err != nil {
		return patchjob.Outcome{}, fmt.Errorf("executor: dispatching job %s: %w", request.JobID, err)
	}

	wait := time.Duration(request.TimeoutSeconds)*time.Second + resultGrace
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case outcome := <-results:
		return outcome, nil
	case <-timer.C:
		return patchjob.Outcome{}, fmt.Errorf("executor: no result for job %s after %s", request.JobID, wait)
	case <-ctx.Done():
		return patchjob.Outcome{}, ctx.Err()
	}
}

// handleEnvelope is the execution channel's inbound handler. Results
// for jobs nobody is waiting on (core restarted mid-job) are logged
// and dropped; the ledger-less job will be re-delivered and re-run.
func (e *channelExecutor) handleEnvelope(ctx context.Context, envelope wire.Envelope) error {
	if envelope.Kind != wire.KindPatchResult {
		e.logger.Warn("unexpected envelope on execution channel", "kind", envelope.Kind)
		return nil
	}

	var outcome patchjob.Outcome
	if err := envelope.Decode(&outcome); err != nil {
		return err
	}

	e.mu.Lock()
	results, waiting := e.pending[outcome.JobID]
	e.mu.Unlock()
	if !waiting {
		e.logger.Warn("result for unknown job", "job_id", outcome.JobID, "exit_code", outcome.ExitCode)
		return nil
	}

	select {
	case results <- outcome:
	default:
		// Duplicate result for the same job; first one wins.
	}
	return nil
}

func (e *channelExecutor) forget(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, jobID)
}

func (e *channelExecutor) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
