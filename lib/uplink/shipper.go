// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package uplink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-sec/outpost/lib/clock"
	"github.com/outpost-sec/outpost/lib/transport"
)

const uplinkPath = "/mtls/rmm/uplink"

// Shipper retry schedule: 1s doubling to a 30s cap, reset on success.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Poster is the transport surface the shipper needs.
type Poster interface {
	Post(ctx context.Context, path string, payload []byte) (*transport.Response, error)
	CloseIdleConnections()
}

// ShipperConfig holds the parameters for creating a Shipper.
type ShipperConfig struct {
	// Queue is the spool to drain. Required.
	Queue *Queue

	// Client posts entries to the backend. Required.
	Client Poster

	// MaxPerCycle bounds one drain pass so a deep backlog cannot
	// monopolize the loop. Defaults to 64.
	MaxPerCycle int

	// Interval is the idle wake cadence; the shipper also wakes on
	// every enqueue. Defaults to 15s.
	Interval time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Shipper drains the queue to the backend's uplink endpoint in
// enqueue order. One entry failing to ship stops the pass — later
// entries must not overtake it, and the backend outage that failed one
// will fail them all anyway.
type Shipper struct {
	queue       *Queue
	client      Poster
	maxPerCycle int
	interval    time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

// wireEntry is the uplink request body. The raw archive bytes never
// travel this channel; the backend fetches sealed packages through the
// artifact collaborator using the recorded digest.
type wireEntry struct {
	EntryID       string          `json:"entry_id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    string          `json:"enqueued_at"`
	ArchiveDigest string          `json:"archive_digest,omitempty"`
}

// NewShipper creates an uplink shipper.
func NewShipper(cfg ShipperConfig) (*Shipper, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("uplink: Queue is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("uplink: Client is required")
	}

	maxPerCycle := cfg.MaxPerCycle
	if maxPerCycle <= 0 {
		maxPerCycle = 64
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Shipper{
		queue:       cfg.Queue,
		client:      cfg.Client,
		maxPerCycle: maxPerCycle,
		interval:    interval,
		clock:       clk,
		logger:      logger.With("component", "uplink"),
	}, nil
}

// Run drains the queue until ctx is cancelled, waking on enqueues and
// on the idle interval. Ship failures back off 1s→30s and reset on
// success. Cancellation triggers one final best-effort drain pass
// before returning ctx.Err().
func (s *Shipper) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		shipped, err := s.drain(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.client.CloseIdleConnections()
			s.logger.Warn("uplink ship failed, will retry",
				"error", err,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				s.finalDrain()
				return ctx.Err()
			case <-s.clock.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		case shipped > 0:
			backoff = initialBackoff
			s.logger.Debug("uplink entries shipped", "count", shipped)
		}

		select {
		case <-ctx.Done():
			s.finalDrain()
			return ctx.Err()
		case <-s.queue.Notify():
		case <-s.clock.After(s.interval):
		}
	}
}

// drain ships up to maxPerCycle entries in order, stopping at the
// first transport failure.
func (s *Shipper) drain(ctx context.Context) (shipped int, err error) {
	names, err := s.queue.List()
	if err != nil {
		return 0, err
	}
	if len(names) > s.maxPerCycle {
		names = names[:s.maxPerCycle]
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return shipped, ctx.Err()
		}
		if err := s.shipOne(ctx, name); err != nil {
			return shipped, err
		}
		shipped++
	}
	return shipped, nil
}

// shipOne verifies, posts, and removes a single entry. An unreadable
// or tampered entry is quarantined and does not fail the pass; a
// transport failure does.
func (s *Shipper) shipOne(ctx context.Context, name string) error {
	entry, err := s.queue.Read(name)
	if err != nil {
		s.logger.Error("unreadable spool entry, quarantining", "entry", name, "error", err)
		return s.queue.Quarantine(name)
	}

	if entry.ArchivePath != "" {
		digest, err := HashArchive(entry.ArchivePath)
		if err != nil {
			s.logger.Error("archive unreadable, quarantining entry",
				"entry", name,
				"archive", entry.ArchivePath,
				"error", err,
			)
			return s.queue.Quarantine(name)
		}
		if digest != entry.ArchiveDigest {
			// The package changed on disk after sealing. Shipping it
			// would launder tampered evidence through the uplink.
			s.logger.Error("archive digest mismatch, quarantining entry",
				"entry", name,
				"archive", entry.ArchivePath,
				"have", digest,
				"want", entry.ArchiveDigest,
			)
			return s.queue.Quarantine(name)
		}
	}

	body, err := json.Marshal(wireEntry{
		EntryID:       entry.EntryID,
		Kind:          entry.Kind,
		Payload:       entry.Payload,
		EnqueuedAt:    entry.EnqueuedAt,
		ArchiveDigest: entry.ArchiveDigest,
	})
	if err != nil {
		s.logger.Error("unencodable spool entry, quarantining", "entry", name, "error", err)
		return s.queue.Quarantine(name)
	}

	if _, err := s.client.Post(ctx, uplinkPath, body); err != nil {
		return err
	}
	return s.queue.Remove(name)
}

// finalDrain makes one short best-effort pass on shutdown so reports
// generated moments before a clean stop still reach the backend.
func (s *Shipper) finalDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	shipped, err := s.drain(ctx)
	if err != nil {
		s.logger.Info("final drain incomplete, entries remain spooled",
			"shipped", shipped,
			"error", err,
		)
		return
	}
	if shipped > 0 {
		s.logger.Info("final drain complete", "shipped", shipped)
	}
}
