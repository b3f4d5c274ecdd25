// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-execution is the patch execution service. It attaches to the
// core daemon's execution channel, waits for patch.execute requests,
// runs the configured runner for each patch in the set, and replies
// with a patch.result envelope.
//
// The service carries no configuration file and no credentials: the
// socket location comes from flags, and per-job parameters (timeout,
// reboot exit code) travel inside each request. It is meant to run as
// an unprivileged-as-possible user that can still invoke the platform
// package manager.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/outpost-sec/outpost/lib/channel"
	"github.com/outpost-sec/outpost/lib/integrity"
	"github.com/outpost-sec/outpost/lib/patchjob"
	"github.com/outpost-sec/outpost/lib/version"
	"github.com/outpost-sec/outpost/lib/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var runtimeDir, channelName, runner string
	var showVersion bool

	flagSet := pflag.NewFlagSet("outpost-execution", pflag.ContinueOnError)
	flagSet.StringVar(&runtimeDir, "runtime-dir", envOr("OUTPOST_RUNTIME", "/run/outpost"),
		"directory holding the core's channel sockets")
	flagSet.StringVar(&channelName, "channel", "outpost-execution",
		"channel name to attach to")
	flagSet.StringVar(&runner, "runner", os.Getenv("OUTPOST_PATCH_RUNNER"),
		"command invoked per patch with the patch id as argument; empty records without installing")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("outpost-execution %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity := wire.Hello{
		Component:  "outpost-execution",
		Version:    version.Short(),
		BinaryHash: ownBinaryHash(),
		PID:        os.Getpid(),
	}
	socketPath := channel.SocketPath(runtimeDir, channelName)

	logger.Info("outpost execution service starting",
		"version", version.Info(),
		"socket", socketPath,
		"runner", runnerLabel(runner),
	)

	// The connection outlives individual jobs; a dropped core restarts
	// the dial loop. Only context cancellation ends the service.
	for {
		client, err := channel.Dial(ctx, socketPath, identity, logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// Receive blocks on the socket; closing on cancellation is
		// what unblocks it.
		detach := context.AfterFunc(ctx, func() { client.Close() })

		err = serve(ctx, client, runner, logger)
		detach()
		client.Close()

		if ctx.Err() != nil {
			logger.Info("outpost execution service stopped")
			return nil
		}
		logger.Warn("channel lost, reconnecting", "error", err)
	}
}

// serve processes execute requests until the connection drops. Jobs
// run one at a time: the core serializes dispatch, and concurrent
// package-manager invocations would fight over the system lock anyway.
func serve(ctx context.Context, client *channel.Client, runner string, logger *slog.Logger) error {
	for {
		envelope, err := client.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			return fmt.Errorf("receiving: %w", err)
		}
		if envelope.Kind != wire.KindPatchExecute {
			logger.Warn("unexpected envelope", "kind", envelope.Kind)
			continue
		}

		var request patchjob.ExecuteRequest
		if err := envelope.Decode(&request); err != nil {
			logger.Error("malformed execute request", "error", err)
			continue
		}

		logger.Info("executing patch set",
			"job_id", request.JobID,
			"patches", len(request.Patches),
			"reboot_policy", request.RebootPolicy,
		)
		outcome := runPatchSet(ctx, request, runner, logger)
		logger.Info("patch set finished",
			"job_id", request.JobID,
			"exit_code", outcome.ExitCode,
			"reboot_required", outcome.RebootRequired,
			"error", outcome.Error,
		)

		reply, err := wire.NewEnvelope(wire.KindPatchResult, outcome)
		if err != nil {
			return err
		}
		if err := client.Send(reply); err != nil {
			return fmt.Errorf("sending result for job %s: %w", request.JobID, err)
		}
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func runnerLabel(runner string) string {
	if runner == "" {
		return "builtin"
	}
	return runner
}

func ownBinaryHash() string {
	executable, err := os.Executable()
	if err != nil {
		return ""
	}
	digest, err := integrity.HashFile(executable)
	if err != nil {
		return ""
	}
	return integrity.FormatDigest(digest)
}
