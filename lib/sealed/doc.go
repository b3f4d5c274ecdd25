// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for Outpost evidence archives.
// It wraps filippo.io/age for the operations the agent needs: generate
// x25519 keypairs, seal archive streams to analyst recipients, and
// unseal them with a private key.
//
// Sealing is streaming — evidence archives can be large, so ciphertext
// goes writer-to-writer without buffering the archive in memory.
// Private keys live in [secret.Buffer] values backed by mmap memory
// outside the Go heap (locked against swap, excluded from core dumps,
// zeroed on Close).
//
// Key exports:
//
//   - [GenerateKeypair] -- new age x25519 keypair for `outpost keygen`
//   - [Seal] / [SealFile] -- encrypt a stream or archive to recipients
//   - [Unseal] / [UnsealFile] -- decrypt with a secret.Buffer key
//   - [ParsePublicKey] / [ParsePrivateKey] -- key validation
//
// Used by the evidence packager (seal before upload when a recipient is
// configured) and the operator CLI.
//
// Depends on lib/secret for secure memory allocation.
package sealed
