// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package uplink is the agent's durable outbound report channel.
//
// Findings, evidence records, watchdog alarms, and mirrored patch
// results are written to a spool directory as individual JSON files
// (atomic write: temp file, fsync, rename) and shipped to the backend
// by a background [Shipper]. The spool survives process restarts and
// network outages; entries leave the directory only after the backend
// has accepted them.
//
// Entries that reference an evidence package archive carry the
// archive's BLAKE3 digest. The shipper re-verifies the digest before
// transmission and quarantines a mismatching entry rather than ship
// tampered evidence.
package uplink

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/outpost-sec/outpost/lib/clock"
)

// Entry kinds spooled by the agent.
const (
	KindHeartbeatAlarm = "heartbeat-alarm"
	KindFinding        = "finding"
	KindEvidence       = "evidence"
)

// entrySuffix marks complete, shippable spool files. The atomic-write
// temp file uses a different suffix so a crashed write is never
// shipped.
const (
	entrySuffix     = ".json"
	tempSuffix      = ".tmp"
	quarantineExt   = ".corrupt"
	entryNameDigits = 20
)

// Entry is one spooled report.
type Entry struct {
	// EntryID is unique per enqueue; it doubles as the backend's
	// deduplication key for retried ships.
	EntryID string `json:"entry_id"`

	// Kind classifies the payload for backend routing.
	Kind string `json:"kind"`

	// Payload is the report body.
	Payload json.RawMessage `json:"payload"`

	// EnqueuedAt is the spool time, RFC3339 UTC.
	EnqueuedAt string `json:"enqueued_at"`

	// ArchivePath and ArchiveDigest reference an evidence package
	// archive on disk. The digest is BLAKE3 hex and is re-verified at
	// ship time.
	ArchivePath   string `json:"archive_path,omitempty"`
	ArchiveDigest string `json:"archive_digest,omitempty"`
}

// Queue is a durable spool directory of entries awaiting shipment.
// Safe for concurrent use; enqueues from the defence path, the
// watchdog, and the patch orchestrator interleave freely.
type Queue struct {
	dir    string
	clock  clock.Clock
	notify chan struct{}

	// sequence orders entries enqueued within the same nanosecond.
	sequence atomic.Uint64

	// mu serializes directory scans against quarantine renames.
	mu sync.Mutex
}

// NewQueue opens (creating if needed) the spool directory.
func NewQueue(dir string, clk clock.Clock) (*Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("uplink: queue directory is required")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("uplink: creating queue directory: %w", err)
	}
	return &Queue{
		dir:    dir,
		clock:  clk,
		notify: make(chan struct{}, 1),
	}, nil
}

// Notify returns a channel that signals after every enqueue. Buffered
// with capacity one; a shipper that drains on each signal never misses
// work.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Enqueue marshals payload and spools it under the given kind.
func (q *Queue) Enqueue(kind string, payload any) error {
	return q.EnqueueArchive(kind, payload, "", "")
}

// EnqueueArchive spools an entry that references a package archive.
// The digest is recorded now and re-verified at ship time.
func (q *Queue) EnqueueArchive(kind string, payload any, archivePath, archiveDigest string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("uplink: encoding %s payload: %w", kind, err)
	}

	entry := Entry{
		EntryID:       uuid.NewString(),
		Kind:          kind,
		Payload:       body,
		EnqueuedAt:    q.clock.Now().UTC().Format(time.RFC3339),
		ArchivePath:   archivePath,
		ArchiveDigest: archiveDigest,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("uplink: encoding entry: %w", err)
	}

	if err := q.writeAtomic(q.entryName(), encoded); err != nil {
		return err
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// entryName builds a filename that sorts by enqueue order:
// zero-padded nanosecond timestamp plus a per-process sequence number.
func (q *Queue) entryName() string {
	nanos := q.clock.Now().UnixNano()
	sequence := q.sequence.Add(1)
	return fmt.Sprintf("%0*d-%08d%s", entryNameDigits, nanos, sequence, entrySuffix)
}

// writeAtomic writes data to name under the spool directory via a
// temp file, fsync, and rename, so a crash never leaves a partial
// entry with the shippable suffix.
func (q *Queue) writeAtomic(name string, data []byte) error {
	path := filepath.Join(q.dir, name)
	temp := path + tempSuffix

	file, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("uplink: creating spool entry: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temp)
		return fmt.Errorf("uplink: writing spool entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temp)
		return fmt.Errorf("uplink: syncing spool entry: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temp)
		return fmt.Errorf("uplink: closing spool entry: %w", err)
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("uplink: publishing spool entry: %w", err)
	}
	return nil
}

// List returns the spooled entry filenames in enqueue order.
func (q *Queue) List() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dirEntries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("uplink: reading queue directory: %w", err)
	}

	var names []string
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), entrySuffix) {
			continue
		}
		names = append(names, dirEntry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read loads one spooled entry by filename.
func (q *Queue) Read(name string) (Entry, error) {
	data, err := os.ReadFile(filepath.Join(q.dir, name))
	if err != nil {
		return Entry{}, fmt.Errorf("uplink: reading entry %s: %w", name, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("uplink: decoding entry %s: %w", name, err)
	}
	return entry, nil
}

// Remove deletes a shipped entry.
func (q *Queue) Remove(name string) error {
	if err := os.Remove(filepath.Join(q.dir, name)); err != nil {
		return fmt.Errorf("uplink: removing entry %s: %w", name, err)
	}
	return nil
}

// Quarantine renames an entry out of the shippable set. Quarantined
// entries keep their content for forensics but are never listed or
// shipped again.
func (q *Queue) Quarantine(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	path := filepath.Join(q.dir, name)
	if err := os.Rename(path, path+quarantineExt); err != nil {
		return fmt.Errorf("uplink: quarantining entry %s: %w", name, err)
	}
	return nil
}

// Len returns the number of shippable entries.
func (q *Queue) Len() (int, error) {
	names, err := q.List()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// HashArchive computes the BLAKE3 hex digest of the file at path.
// Used when a package archive is enqueued and again before it ships.
func HashArchive(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("uplink: opening archive %s: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("uplink: hashing archive %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
