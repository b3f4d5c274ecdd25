// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package evidence hashes, seals, and packages artifacts for
// tamper-evident handoff to the uplink.
//
// An item moves through three one-way stages. Add stores it with an
// empty hash. Seal streams a SHA-256 over the artifact bytes and
// freezes the item; a missing artifact fails the seal loudly and
// changes nothing — a hash is never fabricated for absent content.
// Upload assembles a package directory (artifact copy plus metadata
// record), archives it as zstd-compressed tar, optionally seals the
// archive to an age recipient, and enqueues the result on the uplink
// with the archive's BLAKE3 digest. Any packaging failure aborts
// before the enqueue; nothing partial ever ships.
package evidence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-sec/outpost/lib/clock"
	"github.com/outpost-sec/outpost/lib/integrity"
)

// Item states.
const (
	StateAdded    = "added"
	StateSealed   = "sealed"
	StateUploaded = "uploaded"
)

// Item is one tracked artifact. Copies handed out by the broker are
// snapshots; the broker's store holds the only mutable instance.
type Item struct {
	EvidenceID  string `json:"evidence_id"`
	Source      string `json:"source"`
	Type        string `json:"type"`
	RelatedID   string `json:"related_id"`
	Hash        string `json:"hash"`
	StoragePath string `json:"storage_path"`
	CapturedAt  string `json:"captured_at"`
	State       string `json:"state"`
}

// Record is the metadata document written into every package and
// mirrored onto the uplink. Field set fixed by the backend's intake
// contract.
type Record struct {
	TenantID   string `json:"tenant_id"`
	AssetID    string `json:"asset_id"`
	EvidenceID string `json:"evidence_id"`
	Source     string `json:"source"`
	Type       string `json:"type"`
	RelatedID  string `json:"related_id"`
	Hash       string `json:"hash"`
	StorageURI string `json:"storage_uri"`
	CapturedAt string `json:"captured_at"`
}

// Uplink receives finished packages. The uplink queue implements it.
type Uplink interface {
	EnqueueArchive(kind string, payload any, archivePath, archiveDigest string) error
}

// UplinkKind labels evidence records on the uplink queue.
const UplinkKind = "evidence"

// BrokerConfig holds the parameters for creating a Broker.
type BrokerConfig struct {
	// TenantID and AssetID stamp every package record. Required.
	TenantID string
	AssetID  string

	// PackageDir is where package directories and archives are
	// assembled. Required; created 0700 if missing.
	PackageDir string

	// SealRecipient is an age public key; when set, archives are
	// encrypted to it before enqueue.
	SealRecipient string

	// Uplink receives finished packages. Required.
	Uplink Uplink

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Broker owns the in-memory evidence store. All three operations
// serialize on one mutex; the broker is the store's single writer.
type Broker struct {
	tenantID      string
	assetID       string
	packageDir    string
	sealRecipient string
	uplink        Uplink
	clock         clock.Clock
	logger        *slog.Logger

	// mu guards items.
	mu    sync.Mutex
	items map[string]*Item
}

// NewBroker creates an evidence broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.TenantID == "" || cfg.AssetID == "" {
		return nil, fmt.Errorf("evidence: TenantID and AssetID are required")
	}
	if cfg.PackageDir == "" {
		return nil, fmt.Errorf("evidence: PackageDir is required")
	}
	if cfg.Uplink == nil {
		return nil, fmt.Errorf("evidence: Uplink is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		tenantID:      cfg.TenantID,
		assetID:       cfg.AssetID,
		packageDir:    cfg.PackageDir,
		sealRecipient: cfg.SealRecipient,
		uplink:        cfg.Uplink,
		clock:         clk,
		logger:        logger.With("component", "evidence"),
		items:         make(map[string]*Item),
	}, nil
}

// Add registers an artifact and returns its evidence id. The hash is
// empty until Seal.
func (b *Broker) Add(source, itemType, relatedID, storagePath string) string {
	item := &Item{
		EvidenceID:  uuid.NewString(),
		Source:      source,
		Type:        itemType,
		RelatedID:   relatedID,
		StoragePath: storagePath,
		CapturedAt:  b.clock.Now().UTC().Format(time.RFC3339),
		State:       StateAdded,
	}

	b.mu.Lock()
	b.items[item.EvidenceID] = item
	b.mu.Unlock()

	b.logger.Info("evidence added",
		"evidence_id", item.EvidenceID,
		"type", itemType,
		"related_id", relatedID,
		"path", storagePath,
	)
	return item.EvidenceID
}

// Get returns a snapshot of an item.
func (b *Broker) Get(evidenceID string) (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.items[evidenceID]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Seal computes the artifact's SHA-256 and freezes the item. Fails
// without state change when the artifact is unreadable or the item is
// already past the added state.
func (b *Broker) Seal(evidenceID string) error {
	b.mu.Lock()
	item, ok := b.items[evidenceID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("evidence: unknown item %s", evidenceID)
	}
	if item.State != StateAdded {
		b.mu.Unlock()
		return fmt.Errorf("evidence: item %s is %s, only added items seal", evidenceID, item.State)
	}
	path := item.StoragePath
	b.mu.Unlock()

	// Hash outside the lock: the artifact can be large and the store
	// must not stall behind disk reads.
	digest, err := integrity.HashFile(path)
	if err != nil {
		b.logger.Error("sealing failed, item stays unsealed",
			"evidence_id", evidenceID,
			"path", path,
			"error", err,
		)
		return fmt.Errorf("evidence: sealing %s: %w", evidenceID, err)
	}

	hash := integrity.FormatDigest(digest)
	b.mu.Lock()
	item.Hash = hash
	item.State = StateSealed
	b.mu.Unlock()

	b.logger.Info("evidence sealed", "evidence_id", evidenceID, "hash", hash)
	return nil
}

// Upload packages a sealed item and hands it to the uplink. The item
// is marked uploaded only after the enqueue succeeds; any earlier
// failure leaves it sealed and the partial package removed.
func (b *Broker) Upload(evidenceID string) error {
	b.mu.Lock()
	item, ok := b.items[evidenceID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("evidence: unknown item %s", evidenceID)
	}
	if item.State != StateSealed {
		b.mu.Unlock()
		return fmt.Errorf("evidence: item %s is %s, only sealed items upload", evidenceID, item.State)
	}
	snapshot := *item
	b.mu.Unlock()

	record := Record{
		TenantID:   b.tenantID,
		AssetID:    b.assetID,
		EvidenceID: snapshot.EvidenceID,
		Source:     snapshot.Source,
		Type:       snapshot.Type,
		RelatedID:  snapshot.RelatedID,
		Hash:       snapshot.Hash,
		StorageURI: snapshot.StoragePath,
		CapturedAt: snapshot.CapturedAt,
	}

	archivePath, archiveDigest, err := buildPackage(b.packageDir, snapshot, record, b.sealRecipient)
	if err != nil {
		b.logger.Error("packaging failed, nothing enqueued",
			"evidence_id", evidenceID,
			"error", err,
		)
		return fmt.Errorf("evidence: packaging %s: %w", evidenceID, err)
	}

	if err := b.uplink.EnqueueArchive(UplinkKind, record, archivePath, archiveDigest); err != nil {
		return fmt.Errorf("evidence: enqueueing %s: %w", evidenceID, err)
	}

	b.mu.Lock()
	item.State = StateUploaded
	b.mu.Unlock()

	b.logger.Info("evidence uploaded",
		"evidence_id", evidenceID,
		"archive", archivePath,
		"archive_digest", archiveDigest,
	)
	return nil
}
