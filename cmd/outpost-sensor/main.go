// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-sensor is the behaviour-signal collector. It reads one JSON
// signal per line from a detection source (stdin by default, a named
// pipe or log fifo in deployments), wraps each in a signal.behaviour
// envelope, and forwards it to the core daemon over the sensor channel.
//
// The sensor holds no policy and makes no decisions: evaluation,
// enforcement, and evidence capture all happen in the core. A signal
// the core cannot be reached for is retried on a fresh connection
// before being dropped; detection sources are lossy streams and the
// sensor does not spool.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/outpost-sec/outpost/lib/channel"
	"github.com/outpost-sec/outpost/lib/defence"
	"github.com/outpost-sec/outpost/lib/integrity"
	"github.com/outpost-sec/outpost/lib/version"
	"github.com/outpost-sec/outpost/lib/wire"
)

// maxSignalLine bounds one signal line. Command lines can be long;
// anything past this is a malformed source, not a signal.
const maxSignalLine = 256 * 1024

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var runtimeDir, channelName, sourcePath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("outpost-sensor", pflag.ContinueOnError)
	flagSet.StringVar(&runtimeDir, "runtime-dir", envOr("OUTPOST_RUNTIME", "/run/outpost"),
		"directory holding the core's channel sockets")
	flagSet.StringVar(&channelName, "channel", "outpost-sensor",
		"channel name to attach to")
	flagSet.StringVar(&sourcePath, "source", "",
		"signal source file or fifo; empty reads stdin")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("outpost-sensor %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := os.Stdin
	if sourcePath != "" {
		f, err := os.Open(sourcePath)
		if err != nil {
			return fmt.Errorf("opening signal source: %w", err)
		}
		defer f.Close()
		source = f
	}
	// The scanner blocks on the source; closing it is what unblocks
	// the loop on shutdown.
	detach := context.AfterFunc(ctx, func() { source.Close() })
	defer detach()

	identity := wire.Hello{
		Component:  "outpost-sensor",
		Version:    version.Short(),
		BinaryHash: ownBinaryHash(),
		PID:        os.Getpid(),
	}
	socketPath := channel.SocketPath(runtimeDir, channelName)

	logger.Info("outpost sensor starting",
		"version", version.Info(),
		"socket", socketPath,
		"source", sourceLabel(sourcePath),
	)

	forwarder := &forwarder{
		ctx:        ctx,
		socketPath: socketPath,
		identity:   identity,
		logger:     logger,
	}
	defer forwarder.close()

	err := forward(ctx, source, forwarder, logger)
	if ctx.Err() != nil {
		logger.Info("outpost sensor stopped")
		return nil
	}
	return err
}

// forward reads signals line by line and relays each to the core.
// Returns nil when the source is exhausted.
func forward(ctx context.Context, source io.Reader, fwd *forwarder, logger *slog.Logger) error {
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 64*1024), maxSignalLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var sig defence.Signal
		if err := json.Unmarshal(line, &sig); err != nil {
			logger.Warn("dropping malformed signal", "error", err)
			continue
		}

		envelope, err := wire.NewEnvelope(wire.KindBehaviourSignal, sig)
		if err != nil {
			logger.Warn("dropping unencodable signal", "error", err)
			continue
		}
		if err := fwd.send(envelope); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading signal source: %w", err)
	}
	return nil
}

// forwarder owns the channel connection and redials it lazily. One
// resend per signal: if a fresh connection cannot carry it either, the
// core is genuinely down and the error surfaces.
type forwarder struct {
	ctx        context.Context
	socketPath string
	identity   wire.Hello
	logger     *slog.Logger

	client *channel.Client
}

func (f *forwarder) send(envelope wire.Envelope) error {
	for attempt := 0; attempt < 2; attempt++ {
		if f.client == nil {
			client, err := channel.Dial(f.ctx, f.socketPath, f.identity, f.logger)
			if err != nil {
				return err
			}
			f.client = client
		}
		if err := f.client.Send(envelope); err == nil {
			return nil
		} else if attempt == 0 {
			f.logger.Warn("channel lost, reconnecting", "error", err)
			f.close()
		} else {
			return err
		}
	}
	return fmt.Errorf("sensor: channel unavailable")
}

func (f *forwarder) close() {
	if f.client != nil {
		f.client.Close()
		f.client = nil
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func sourceLabel(path string) string {
	if path == "" {
		return "stdin"
	}
	return path
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
