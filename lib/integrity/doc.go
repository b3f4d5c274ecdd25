// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package integrity provides SHA256 content hashing for binary files
// and the agent's startup self-check.
//
// Outpost pins the digest of its own executable in configuration. At
// startup the core daemon hashes the binary it is actually running and
// refuses to start on a mismatch, so a replaced or patched binary
// cannot silently keep the agent's identity and shared key. The same
// digest format travels in the local channel hello exchange, where
// peer processes report their binary hash for the core to record.
//
// The API surface:
//
//   - [HashFile] -- streams a file through SHA256 with constant memory
//     usage regardless of file size
//   - [FormatDigest] / [ParseDigest] -- convert between the [32]byte
//     digest and its canonical lowercase hex representation
//   - [VerifyFile] / [SelfVerify] -- compare a file (or the running
//     executable) against an expected hex digest
//
// This package has no dependencies on other Outpost packages.
package integrity
