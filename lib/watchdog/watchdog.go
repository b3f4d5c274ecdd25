// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-sec/outpost/lib/clock"
)

// MonitorConfig holds the parameters for creating a Monitor.
type MonitorConfig struct {
	// Timeout is the maximum tolerated gap between accepted
	// heartbeats. Required, positive.
	Timeout time.Duration

	// OnAlarm is invoked once per outage, when the gap first exceeds
	// Timeout. Optional.
	OnAlarm func(gap time.Duration)

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Monitor watches the last-accepted-heartbeat timestamp and alarms
// when it goes stale.
type Monitor struct {
	timeout time.Duration
	onAlarm func(time.Duration)
	clock   clock.Clock
	logger  *slog.Logger

	// mu protects lastBeat.
	mu       sync.Mutex
	lastBeat time.Time
}

// NewMonitor creates a heartbeat watchdog.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("watchdog: Timeout must be positive")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		timeout: cfg.Timeout,
		onAlarm: cfg.OnAlarm,
		clock:   clk,
		logger:  logger.With("component", "watchdog"),
	}, nil
}

// Notify records an accepted heartbeat at the current time. Safe for
// concurrent use; satisfies the heartbeat sender's Liveness interface.
func (m *Monitor) Notify() {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastBeat = now
	m.mu.Unlock()
}

func (m *Monitor) lastSuccess() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat
}

// Run checks liveness every timeout/2 until ctx is cancelled. The
// window is armed from loop entry, so a process that never lands a
// single heartbeat alarms after one full timeout rather than
// immediately. Returns ctx.Err() on shutdown.
func (m *Monitor) Run(ctx context.Context) error {
	m.Notify()

	wake := m.timeout / 2
	alarmed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(wake):
		}

		gap := m.clock.Now().Sub(m.lastSuccess())
		switch {
		case gap > m.timeout && !alarmed:
			alarmed = true
			m.logger.Warn("heartbeat liveness lost",
				"gap", gap,
				"timeout", m.timeout,
			)
			if m.onAlarm != nil {
				m.onAlarm(gap)
			}
		case gap <= m.timeout && alarmed:
			alarmed = false
			m.logger.Info("heartbeat liveness restored", "gap", gap)
		}
	}
}
