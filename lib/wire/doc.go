// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire provides Outpost's standard CBOR encoding configuration
// and the message envelope for the local channel protocol.
//
// Outpost uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the signed backend HTTP calls
//     (heartbeats, patch acks and results, uplink records), evidence
//     package metadata, the uplink spool files, and sensor stdin input.
//     Everything an operator or the backend may inspect is JSON.
//   - CBOR for internal protocols: messages between the core daemon
//     and its service processes over the local channel sockets.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which keeps
// channel messages reproducible in tests and logs.
//
// Every channel message travels inside an [Envelope]: a kind string
// naming the message schema, a schema version, and the raw CBOR
// payload. Receivers dispatch on the kind and decode the payload into
// the matching type. Unknown kinds are logged and dropped rather than
// treated as protocol errors, so mixed-version deployments degrade
// instead of disconnecting.
//
// Struct tag rules follow the serialization boundary: types that only
// ever travel as CBOR carry `cbor` tags; types that appear in both
// JSON and CBOR carry `json` tags (fxamacker/cbor reads `json` tags as
// fallback). Never both on the same field.
package wire
