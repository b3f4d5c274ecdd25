// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-sec/outpost/lib/backoff"
	"github.com/outpost-sec/outpost/lib/clock"
	"github.com/outpost-sec/outpost/lib/transport"
)

const helloPath = "/mtls/hello"

// Poster is the transport surface the sender needs.
type Poster interface {
	Post(ctx context.Context, path string, payload []byte) (*transport.Response, error)
	CloseIdleConnections()
}

// Liveness is notified after every accepted heartbeat. The watchdog
// implements it; a nil Liveness disables notification.
type Liveness interface {
	Notify()
}

// SenderConfig holds the parameters for creating a Sender.
type SenderConfig struct {
	// Client posts heartbeats. Required.
	Client Poster

	// Identity is stamped into every payload.
	Identity Identity

	// BaseInterval is the send cadence while the control plane is
	// reachable. Required, positive.
	BaseInterval time.Duration

	// MaxInterval caps the backoff while it is not. Required, >= base.
	MaxInterval time.Duration

	// Liveness is notified on each accepted heartbeat. Optional.
	Liveness Liveness

	// Uptime reports seconds since process start. Defaults to the
	// package counter; tests substitute a fixed value.
	Uptime func() int64

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Sender runs the heartbeat loop: send, notify liveness, wait, repeat.
// Consecutive failures stretch the wait with the shared backoff schedule;
// one success snaps it back to the base interval.
type Sender struct {
	client       Poster
	identity     Identity
	baseInterval time.Duration
	maxInterval  time.Duration
	liveness     Liveness
	uptime       func() int64
	clock        clock.Clock
	logger       *slog.Logger
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("heartbeat: Client is required")
	}
	if cfg.BaseInterval <= 0 {
		return nil, fmt.Errorf("heartbeat: BaseInterval must be positive")
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		return nil, fmt.Errorf("heartbeat: MaxInterval must be >= BaseInterval")
	}

	uptime := cfg.Uptime
	if uptime == nil {
		uptime = Uptime
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		client:       cfg.Client,
		identity:     cfg.Identity,
		baseInterval: cfg.BaseInterval,
		maxInterval:  cfg.MaxInterval,
		liveness:     cfg.Liveness,
		uptime:       uptime,
		clock:        clk,
		logger:       logger.With("component", "heartbeat"),
	}, nil
}

// Run sends heartbeats until ctx is cancelled. The first heartbeat goes
// out immediately. Returns ctx.Err() on shutdown; transport failures are
// logged and absorbed by the backoff, never returned.
func (s *Sender) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := s.send(ctx); err != nil {
			failures++
			// Drop pooled connections so the retry dials fresh instead
			// of reusing a connection broken by the disruption.
			s.client.CloseIdleConnections()
			s.logger.Warn("heartbeat send failed",
				"error", err,
				"consecutive_failures", failures,
			)
		} else {
			failures = 0
		}

		wait := backoff.Interval(s.baseInterval, failures, s.maxInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}
	}
}

func (s *Sender) send(ctx context.Context) error {
	payload := newPayload(s.identity, s.clock.Now(), s.uptime())
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}

	if _, err := s.client.Post(ctx, helloPath, body); err != nil {
		return err
	}

	if s.liveness != nil {
		s.liveness.Notify()
	}
	s.logger.Debug("heartbeat sent", "event_id", payload.EventID, "uptime_seconds", payload.UptimeSeconds)
	return nil
}
