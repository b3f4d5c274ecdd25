// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/outpost-sec/outpost/lib/sealed"
	"github.com/outpost-sec/outpost/lib/uplink"
)

// Package layout names. The backend's intake unpacks by these.
const (
	metadataName   = "metadata.json"
	archiveSuffix  = ".tar.zst"
	artifactPrefix = "artifact"
)

// buildPackage assembles <packageDir>/<evidence_id>/ with a copy of
// the artifact and the metadata record, archives the directory as
// zstd-compressed tar, seals the archive when a recipient is
// configured, and returns the final archive path with its BLAKE3
// digest. On any failure the partial package directory and archive are
// removed.
func buildPackage(packageDir string, item Item, record Record, sealRecipient string) (string, string, error) {
	if err := os.MkdirAll(packageDir, 0o700); err != nil {
		return "", "", fmt.Errorf("creating package dir: %w", err)
	}

	stageDir := filepath.Join(packageDir, item.EvidenceID)
	if err := os.Mkdir(stageDir, 0o700); err != nil {
		return "", "", fmt.Errorf("creating package stage: %w", err)
	}
	cleanupStage := func() { os.RemoveAll(stageDir) }

	artifactName := artifactPrefix + filepath.Ext(item.StoragePath)
	if err := copyFile(item.StoragePath, filepath.Join(stageDir, artifactName)); err != nil {
		cleanupStage()
		return "", "", err
	}

	metadata, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		cleanupStage()
		return "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stageDir, metadataName), metadata, 0o600); err != nil {
		cleanupStage()
		return "", "", fmt.Errorf("writing metadata: %w", err)
	}

	archivePath := filepath.Join(packageDir, item.EvidenceID+archiveSuffix)
	if err := archiveDirectory(stageDir, item.EvidenceID, archivePath); err != nil {
		cleanupStage()
		os.Remove(archivePath)
		return "", "", err
	}
	cleanupStage()

	if sealRecipient != "" {
		sealedPath, err := sealed.SealFile(archivePath, sealRecipient)
		if err != nil {
			os.Remove(archivePath)
			return "", "", fmt.Errorf("sealing archive: %w", err)
		}
		// The plaintext archive is not kept next to its sealed copy.
		if err := os.Remove(archivePath); err != nil {
			os.Remove(sealedPath)
			return "", "", fmt.Errorf("removing plaintext archive: %w", err)
		}
		archivePath = sealedPath
	}

	digest, err := uplink.HashArchive(archivePath)
	if err != nil {
		os.Remove(archivePath)
		return "", "", err
	}
	return archivePath, digest, nil
}

// archiveDirectory writes dir as a zstd-compressed tar at dst, with
// entries rooted under root/.
func archiveDirectory(dir, root, dst string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}

	compressor, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	archive := tar.NewWriter(compressor)

	fail := func(err error) error {
		archive.Close()
		compressor.Close()
		out.Close()
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fail(fmt.Errorf("reading package stage: %w", err))
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return fail(fmt.Errorf("stat %s: %w", entry.Name(), err))
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fail(fmt.Errorf("tar header for %s: %w", entry.Name(), err))
		}
		header.Name = root + "/" + entry.Name()
		if err := archive.WriteHeader(header); err != nil {
			return fail(fmt.Errorf("writing tar header for %s: %w", entry.Name(), err))
		}

		file, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fail(fmt.Errorf("opening %s: %w", entry.Name(), err))
		}
		if _, err := io.Copy(archive, file); err != nil {
			file.Close()
			return fail(fmt.Errorf("archiving %s: %w", entry.Name(), err))
		}
		file.Close()
	}

	if err := archive.Close(); err != nil {
		compressor.Close()
		out.Close()
		return fmt.Errorf("finalizing tar: %w", err)
	}
	if err := compressor.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalizing compression: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}

// copyFile copies src to dst (created 0600).
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating artifact copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("closing artifact copy: %w", err)
	}
	return nil
}
