// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/outpost-sec/outpost/lib/clock"
	"github.com/outpost-sec/outpost/lib/sealed"
	"github.com/outpost-sec/outpost/lib/uplink"
)

// fakeUplink records enqueued packages.
type fakeUplink struct {
	mu       sync.Mutex
	kinds    []string
	records  []Record
	archives []string
	digests  []string
	err      error
}

func (f *fakeUplink) EnqueueArchive(kind string, payload any, archivePath, archiveDigest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.kinds = append(f.kinds, kind)
	f.records = append(f.records, payload.(Record))
	f.archives = append(f.archives, archivePath)
	f.digests = append(f.digests, archiveDigest)
	return nil
}

func (f *fakeUplink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kinds)
}

func newTestBroker(t *testing.T, queue *fakeUplink, sealRecipient string) *Broker {
	t.Helper()
	broker, err := NewBroker(BrokerConfig{
		TenantID:      "tenant-a",
		AssetID:       "asset-1",
		PackageDir:    filepath.Join(t.TempDir(), "packages"),
		SealRecipient: sealRecipient,
		Uplink:        queue,
		Clock:         clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	return broker
}

// writeArtifact creates a capture file for tests.
func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dropper.bin")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}
	return path
}

func TestBrokerLifecycle(t *testing.T) {
	queue := &fakeUplink{}
	broker := newTestBroker(t, queue, "")
	artifact := writeArtifact(t, "malicious payload bytes")

	evidenceID := broker.Add("defence", "file", "DEF-proc-injection", artifact)

	item, ok := broker.Get(evidenceID)
	if !ok || item.State != StateAdded || item.Hash != "" {
		t.Fatalf("after Add: item = %+v, want added with empty hash", item)
	}

	if err := broker.Seal(evidenceID); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	item, _ = broker.Get(evidenceID)
	if item.State != StateSealed || len(item.Hash) != 64 {
		t.Fatalf("after Seal: item = %+v, want sealed with sha256 hex hash", item)
	}

	if err := broker.Upload(evidenceID); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	item, _ = broker.Get(evidenceID)
	if item.State != StateUploaded {
		t.Fatalf("after Upload: state = %q, want uploaded", item.State)
	}

	if queue.count() != 1 {
		t.Fatalf("uplink enqueues = %d, want 1", queue.count())
	}
	record := queue.records[0]
	if record.TenantID != "tenant-a" || record.AssetID != "asset-1" ||
		record.EvidenceID != evidenceID || record.Hash != item.Hash ||
		record.RelatedID != "DEF-proc-injection" {
		t.Errorf("record = %+v, want the sealed item's fields", record)
	}
	if record.CapturedAt != "2026-03-14T09:00:00Z" {
		t.Errorf("CapturedAt = %q, want the fake clock time", record.CapturedAt)
	}

	// The archive holds the artifact copy and the metadata record.
	files := unpackArchive(t, queue.archives[0])
	if got := files[evidenceID+"/"+metadataName]; len(got) == 0 {
		t.Fatalf("archive files = %v, missing metadata", keys(files))
	}
	var unpacked Record
	if err := json.Unmarshal(files[evidenceID+"/"+metadataName], &unpacked); err != nil {
		t.Fatalf("decoding archived metadata: %v", err)
	}
	if unpacked != record {
		t.Errorf("archived metadata = %+v, want %+v", unpacked, record)
	}
	if got := string(files[evidenceID+"/artifact.bin"]); got != "malicious payload bytes" {
		t.Errorf("archived artifact = %q, want original bytes", got)
	}

	// The recorded digest matches the archive on disk.
	digest, err := uplink.HashArchive(queue.archives[0])
	if err != nil {
		t.Fatalf("HashArchive: %v", err)
	}
	if digest != queue.digests[0] {
		t.Errorf("recorded digest %q != archive digest %q", queue.digests[0], digest)
	}
}

func TestSealMissingFileChangesNothing(t *testing.T) {
	queue := &fakeUplink{}
	broker := newTestBroker(t, queue, "")

	evidenceID := broker.Add("defence", "file", "DEF-x", filepath.Join(t.TempDir(), "gone.bin"))
	if err := broker.Seal(evidenceID); err == nil {
		t.Fatal("Seal on missing file: no error")
	}

	item, _ := broker.Get(evidenceID)
	if item.State != StateAdded || item.Hash != "" {
		t.Errorf("after failed seal: item = %+v, want unchanged added state", item)
	}
}

func TestSealDeterministicHash(t *testing.T) {
	queue := &fakeUplink{}
	broker := newTestBroker(t, queue, "")

	first := broker.Add("defence", "file", "DEF-a", writeArtifact(t, "same content"))
	second := broker.Add("defence", "file", "DEF-b", writeArtifact(t, "same content"))
	if err := broker.Seal(first); err != nil {
		t.Fatalf("Seal first: %v", err)
	}
	if err := broker.Seal(second); err != nil {
		t.Fatalf("Seal second: %v", err)
	}

	itemA, _ := broker.Get(first)
	itemB, _ := broker.Get(second)
	if itemA.Hash != itemB.Hash {
		t.Errorf("hashes differ for identical content: %s vs %s", itemA.Hash, itemB.Hash)
	}
}

func TestUploadRequiresSealedState(t *testing.T) {
	queue := &fakeUplink{}
	broker := newTestBroker(t, queue, "")

	evidenceID := broker.Add("defence", "file", "DEF-x", writeArtifact(t, "bytes"))
	if err := broker.Upload(evidenceID); err == nil {
		t.Fatal("Upload of unsealed item: no error")
	}
	if queue.count() != 0 {
		t.Errorf("uplink enqueues = %d, want 0", queue.count())
	}

	if err := broker.Seal(evidenceID); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := broker.Seal(evidenceID); err == nil {
		t.Error("second Seal: no error, want already-sealed rejection")
	}
}

func TestUploadPackagingFailureEnqueuesNothing(t *testing.T) {
	queue := &fakeUplink{}
	broker := newTestBroker(t, queue, "")

	artifact := writeArtifact(t, "bytes")
	evidenceID := broker.Add("defence", "file", "DEF-x", artifact)
	if err := broker.Seal(evidenceID); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// The artifact vanishes between seal and upload (quarantine moved
	// it, say). Packaging must fail before any enqueue.
	if err := os.Remove(artifact); err != nil {
		t.Fatalf("removing artifact: %v", err)
	}
	if err := broker.Upload(evidenceID); err == nil {
		t.Fatal("Upload with missing artifact: no error")
	}
	if queue.count() != 0 {
		t.Errorf("uplink enqueues = %d, want 0 after packaging failure", queue.count())
	}

	item, _ := broker.Get(evidenceID)
	if item.State != StateSealed {
		t.Errorf("state = %q, want still sealed after failed upload", item.State)
	}
}

func TestUploadSealsArchiveToRecipient(t *testing.T) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	queue := &fakeUplink{}
	broker := newTestBroker(t, queue, keypair.PublicKey)

	evidenceID := broker.Add("defence", "file", "DEF-x", writeArtifact(t, "secret capture"))
	if err := broker.Seal(evidenceID); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := broker.Upload(evidenceID); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	archivePath := queue.archives[0]
	if !strings.HasSuffix(archivePath, archiveSuffix+sealed.Suffix) {
		t.Fatalf("archive path = %q, want sealed %s%s archive", archivePath, archiveSuffix, sealed.Suffix)
	}
	// The plaintext archive must not remain alongside the sealed one.
	if _, err := os.Stat(strings.TrimSuffix(archivePath, sealed.Suffix)); !os.IsNotExist(err) {
		t.Errorf("plaintext archive still on disk: %v", err)
	}

	// The matching identity opens it and the content survives.
	plainPath := filepath.Join(t.TempDir(), "opened.tar.zst")
	if err := sealed.UnsealFile(archivePath, plainPath, keypair.PrivateKey); err != nil {
		t.Fatalf("UnsealFile: %v", err)
	}
	files := unpackArchive(t, plainPath)
	if got := string(files[evidenceID+"/artifact.bin"]); got != "secret capture" {
		t.Errorf("unsealed artifact = %q, want original bytes", got)
	}
}

// unpackArchive reads a zstd tar archive into a name → content map.
func unpackArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer file.Close()

	decompressor, err := zstd.NewReader(file)
	if err != nil {
		t.Fatalf("opening zstd stream: %v", err)
	}
	defer decompressor.Close()

	files := make(map[string][]byte)
	archive := tar.NewReader(decompressor)
	for {
		header, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar: %v", err)
		}
		var content bytes.Buffer
		if _, err := io.Copy(&content, archive); err != nil {
			t.Fatalf("reading %s: %v", header.Name, err)
		}
		files[header.Name] = content.Bytes()
	}
	return files
}

func keys(m map[string][]byte) []string {
	var names []string
	for name := range m {
		names = append(names, name)
	}
	return names
}
