// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing implements the agent's message authentication scheme:
// HMAC-SHA256 over the UTF-8 string "{timestamp}.{payload}", base64
// encoded. The same scheme authenticates outbound requests (agent to
// backend) and verifies inbound commands (backend to agent).
//
// Canonicalization of the payload is the caller's responsibility. The
// signer and verifier must reconstruct the same byte-exact payload, so
// field order and formatting are part of the wire contract, not an
// implementation detail.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"

	"github.com/outpost-sec/outpost/lib/secret"
)

// ErrMissingKey is returned by Sign when no shared key is configured.
// The agent must refuse to produce an unauthenticated signature rather
// than silently skip signing.
var ErrMissingKey = errors.New("signing: shared key missing")

// Signer computes and verifies payload signatures with a shared key.
// The key lives in an mmap-backed secret buffer for the process
// lifetime; Signer borrows it and never closes it.
type Signer struct {
	key *secret.Buffer
}

// NewSigner creates a Signer around the given shared key buffer. A nil
// key is accepted at construction (the deployment may be heartbeat-only
// during enrollment); Sign and Verify report the missing key at use.
func NewSigner(key *secret.Buffer) *Signer {
	return &Signer{key: key}
}

// Sign computes base64(HMAC-SHA256(key, "{timestamp}.{payload}")).
// timestamp is epoch seconds. Returns ErrMissingKey when no key is
// configured.
func (s *Signer) Sign(payload []byte, timestamp int64) (string, error) {
	if s.key == nil || s.key.Len() == 0 {
		return "", ErrMissingKey
	}

	mac := hmac.New(sha256.New, s.key.Bytes())
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature for (payload, timestamp) and compares
// it against the provided base64 signature in constant time. Returns
// false when the key is missing, the signature is not valid base64, or
// the MACs differ. Verification never panics on malformed input — a
// forged message must not be able to crash the agent.
func (s *Signer) Verify(payload []byte, timestamp int64, signature string) bool {
	if s.key == nil || s.key.Len() == 0 {
		return false
	}

	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.key.Bytes())
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)

	return hmac.Equal(mac.Sum(nil), provided)
}
