// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashFile computes the SHA256 digest of the file at path. The file is
// streamed through the hash function in chunks (via io.Copy) to keep
// memory usage constant regardless of file size.
func HashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// FormatDigest returns the hex-encoded string representation of a
// SHA256 digest. This is the canonical format used in configuration,
// the channel hello exchange, and log output.
func FormatDigest(digest [32]byte) string {
	return hex.EncodeToString(digest[:])
}

// ParseDigest parses a hex-encoded SHA256 digest string into a
// 32-byte array. Returns an error if the string is not a valid
// 64-character hex encoding of 32 bytes.
func ParseDigest(hexString string) ([32]byte, error) {
	var digest [32]byte
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing hash digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("hash digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// VerifyFile hashes the file at path and compares it against the
// expected hex digest. The error for a mismatch includes both digests
// so the operator can tell a corrupted pin from a replaced binary.
func VerifyFile(path, expectedHex string) error {
	expected, err := ParseDigest(expectedHex)
	if err != nil {
		return fmt.Errorf("expected digest for %s: %w", path, err)
	}
	actual, err := HashFile(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("binary hash mismatch for %s: have %s, want %s",
			path, FormatDigest(actual), expectedHex)
	}
	return nil
}

// SelfVerify compares the running executable against the expected hex
// digest. An empty expected digest disables the check: deployments
// that do not pin a binary hash start normally. Any other failure,
// including an unreadable executable path, is fatal to startup.
func SelfVerify(expectedHex string) error {
	if expectedHex == "" {
		return nil
	}
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}
	return VerifyFile(executable, expectedHex)
}
