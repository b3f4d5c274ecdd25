// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-core is the privileged core daemon of the Outpost endpoint
// agent. It authenticates to the control plane, reports liveness,
// polls for signed patch-job commands, evaluates behaviour signals
// against the active defence policy, and packages evidence for the
// uplink.
//
// Least-privilege service processes attach over local channel sockets:
// outpost-sensor delivers behaviour signals, outpost-execution runs
// patch sets. The core never executes patches itself and the service
// processes never hold the signing key.
//
// On startup:
//  1. Loads and validates configuration (environment + YAML file).
//  2. Verifies its own binary hash when one is pinned.
//  3. Loads the HMAC signing key into locked memory.
//  4. Starts the heartbeat, watchdog, patch-poll, uplink-shipper, and
//     channel-server loops.
//
// A SIGINT or SIGTERM cancels every loop; the uplink shipper makes one
// final drain pass before the process exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/outpost-sec/outpost/lib/channel"
	"github.com/outpost-sec/outpost/lib/clock"
	"github.com/outpost-sec/outpost/lib/config"
	"github.com/outpost-sec/outpost/lib/defence"
	"github.com/outpost-sec/outpost/lib/evidence"
	"github.com/outpost-sec/outpost/lib/heartbeat"
	"github.com/outpost-sec/outpost/lib/integrity"
	"github.com/outpost-sec/outpost/lib/patchjob"
	"github.com/outpost-sec/outpost/lib/signing"
	"github.com/outpost-sec/outpost/lib/transport"
	"github.com/outpost-sec/outpost/lib/uplink"
	"github.com/outpost-sec/outpost/lib/version"
	"github.com/outpost-sec/outpost/lib/watchdog"
	"github.com/outpost-sec/outpost/lib/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("outpost-core", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath),
		"path to the agent configuration file")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("outpost-core %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Integrity gate: a core binary that does not match its pin must
	// not process commands.
	if err := integrity.SelfVerify(cfg.Integrity.ExpectedBinaryHash); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	sharedKey, err := cfg.LoadSharedKey()
	if err != nil {
		return err
	}
	defer sharedKey.Close()
	signer := signing.NewSigner(sharedKey)

	edge, err := transport.NewClient(transport.Config{
		BaseURL:         cfg.Transport.URL,
		IdentityID:      cfg.IdentityID,
		CertFingerprint: cfg.Transport.CertFingerprint,
		APIKey:          cfg.Transport.APIKey,
		Signer:          signer,
	})
	if err != nil {
		return err
	}

	queue, err := uplink.NewQueue(cfg.Uplink.QueueDir, clock.Real())
	if err != nil {
		return err
	}
	shipper, err := uplink.NewShipper(uplink.ShipperConfig{
		Queue:       queue,
		Client:      edge,
		MaxPerCycle: cfg.Uplink.MaxItemsPerCycle,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	monitor, err := watchdog.NewMonitor(watchdog.MonitorConfig{
		Timeout: cfg.Watchdog.Timeout(),
		OnAlarm: func(gap time.Duration) {
			err := queue.Enqueue(uplink.KindHeartbeatAlarm, map[string]any{
				"asset_id":    cfg.AssetID,
				"gap_seconds": int64(gap.Seconds()),
				"raised_at":   time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				logger.Error("spooling watchdog alarm failed", "error", err)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
		Client: edge,
		Identity: heartbeat.Identity{
			TenantID:     cfg.TenantID,
			AssetID:      cfg.AssetID,
			IdentityID:   cfg.IdentityID,
			TrustState:   cfg.TrustState,
			Hostname:     cfg.Hostname,
			OS:           cfg.OS(),
			AgentVersion: version.Short(),
		},
		BaseInterval: cfg.Heartbeat.Interval(),
		MaxInterval:  cfg.Heartbeat.MaxInterval(),
		Liveness:     monitor,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}
	engine, err := defence.NewEngine(defence.EngineConfig{
		Policy: policy,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	broker, err := evidence.NewBroker(evidence.BrokerConfig{
		TenantID:      cfg.TenantID,
		AssetID:       cfg.AssetID,
		PackageDir:    cfg.Evidence.Dir,
		SealRecipient: cfg.Evidence.SealRecipient,
		Uplink:        queue,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ledger, err := patchjob.OpenLedger(patchjob.LedgerConfig{
		Path:      cfg.Patch.LedgerPath,
		Retention: cfg.Patch.Retention(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer ledger.Close()

	selfHash := ownBinaryHash(logger)
	identity := wire.Hello{
		Component:  "outpost-core",
		Version:    version.Short(),
		BinaryHash: selfHash,
		PID:        os.Getpid(),
	}

	executor := newChannelExecutor(logger)
	executionServer := channel.NewServer(channel.ServerConfig{
		Name:       cfg.Channel.Execution,
		RuntimeDir: cfg.Paths.Runtime,
		Identity:   identity,
		Handler:    executor.handleEnvelope,
		Logger:     logger,
	})
	executor.attach(executionServer)

	signals := &signalHandler{
		engine: engine,
		broker: broker,
		queue:  queue,
		logger: logger.With("component", "signals"),
	}
	sensorServer := channel.NewServer(channel.ServerConfig{
		Name:       cfg.Channel.Sensor,
		RuntimeDir: cfg.Paths.Runtime,
		Identity:   identity,
		Handler:    signals.handleEnvelope,
		Logger:     logger,
	})

	orchestrator, err := patchjob.NewOrchestrator(patchjob.OrchestratorConfig{
		Channel:        patchjob.NewClient(edge),
		Executor:       executor,
		Ledger:         ledger,
		Verifier:       signer,
		Mirror:         queue,
		AssetID:        cfg.AssetID,
		PollInterval:   cfg.Patch.PollInterval(),
		SkewTolerance:  cfg.Patch.SkewTolerance(),
		ExecTimeout:    cfg.Execution.Timeout(),
		RebootExitCode: cfg.Patch.RebootExitCode,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("outpost core starting",
		"version", version.Info(),
		"tenant_id", cfg.TenantID,
		"asset_id", cfg.AssetID,
		"transport", cfg.Transport.URL,
		"defence", engine.Summary(),
	)

	// Every loop is a goroutine owned here; fatal errors (socket
	// setup) surface on the channel, orderly shutdowns do not.
	fatal := make(chan error, 6)
	var group sync.WaitGroup
	start := func(name string, loop func(context.Context) error) {
		group.Add(1)
		go func() {
			defer group.Done()
			if err := loop(ctx); err != nil && ctx.Err() == nil {
				fatal <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("heartbeat", sender.Run)
	start("watchdog", monitor.Run)
	start("patch orchestrator", orchestrator.Run)
	start("uplink shipper", shipper.Run)
	start("execution channel", executionServer.Serve)
	start("sensor channel", sensorServer.Serve)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-fatal:
		logger.Error("fatal component failure", "error", runErr)
		stop()
	}

	group.Wait()
	logger.Info("outpost core stopped")
	return runErr
}

// loadPolicy builds the defence policy from the config block and the
// optional JSONC policy file overlay.
func loadPolicy(cfg *config.Config) (defence.Policy, error) {
	policy := defence.Policy{
		PolicyID:              cfg.Defence.PolicyID,
		Mode:                  defence.Mode(cfg.Defence.Mode),
		MinConfidence:         cfg.Defence.MinConfidence,
		MaxActionsPerWindow:   cfg.Defence.RateLimitCount,
		ActionWindowSeconds:   cfg.Defence.RateLimitWindowSeconds,
		AllowKillProcess:      cfg.Defence.AllowKillProcess,
		AllowQuarantineFile:   cfg.Defence.AllowQuarantineFile,
		AllowBlockNetwork:     cfg.Defence.AllowBlockNetwork,
		AllowPreventExecution: cfg.Defence.AllowPreventExecution,
	}
	if cfg.Defence.PolicyFile == "" {
		return policy, nil
	}
	return defence.ReadPolicyFile(cfg.Defence.PolicyFile, policy)
}

// ownBinaryHash reports the running executable's digest for the
// channel hello exchange. Best effort: peers log it, nothing gates on
// it here (the startup integrity pin is the gate).
func ownBinaryHash(logger *slog.Logger) string {
	executable, err := os.Executable()
	if err != nil {
		return ""
	}
	digest, err := integrity.HashFile(executable)
	if err != nil {
		logger.Debug("hashing own binary failed", "error", err)
		return ""
	}
	return integrity.FormatDigest(digest)
}
