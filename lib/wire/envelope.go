// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// SchemaVersion is the current channel protocol version. Both ends of
// a channel must agree; a version bump is a breaking protocol change.
const SchemaVersion = 1

// maxKindLength bounds the kind string so a malformed frame cannot
// smuggle arbitrary data into log lines keyed by kind.
const maxKindLength = 128

// Message kinds used on the local channels. Receivers dispatch on
// these; unknown kinds are logged and dropped.
const (
	// KindHello is the first message either peer sends after
	// connecting: component name, version, binary hash, PID.
	KindHello = "hello"

	// KindBehaviourSignal carries one detection signal from the sensor
	// process to the core's defence engine.
	KindBehaviourSignal = "signal.behaviour"

	// KindPatchExecute carries a patch-set execution request from the
	// core to the execution process.
	KindPatchExecute = "patch.execute"

	// KindPatchResult carries the execution outcome back to the core.
	KindPatchResult = "patch.result"
)

// Envelope is the framing-level message structure on the local
// channels. The payload stays raw CBOR until the receiver dispatches
// on Kind.
type Envelope struct {
	Kind          string     `cbor:"kind"`
	SchemaVersion int        `cbor:"schema_version"`
	Payload       RawMessage `cbor:"payload,omitempty"`
}

// Hello is the identification message exchanged when a service process
// connects to a core channel. The core logs the peer's identity and
// records its binary hash alongside its own integrity state.
type Hello struct {
	Component  string `cbor:"component"`
	Version    string `cbor:"version"`
	BinaryHash string `cbor:"binary_hash,omitempty"`
	PID        int    `cbor:"pid"`
}

// ValidateKind checks that kind is non-empty, at most 128 characters,
// and drawn from [a-z0-9._-]. Kinds are protocol identifiers, not
// display strings; the narrow alphabet keeps them safe to embed in
// filenames and log output.
func ValidateKind(kind string) error {
	if kind == "" {
		return fmt.Errorf("wire: empty message kind")
	}
	if len(kind) > maxKindLength {
		return fmt.Errorf("wire: message kind length %d exceeds %d", len(kind), maxKindLength)
	}
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("wire: message kind %q contains invalid byte %q", kind, c)
		}
	}
	return nil
}

// NewEnvelope marshals payload and wraps it in an envelope of the
// given kind at the current schema version. A nil payload produces an
// envelope with no payload bytes (valid for signal-free messages).
func NewEnvelope(kind string, payload any) (Envelope, error) {
	if err := ValidateKind(kind); err != nil {
		return Envelope{}, err
	}
	envelope := Envelope{Kind: kind, SchemaVersion: SchemaVersion}
	if payload != nil {
		encoded, err := Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("wire: encoding %s payload: %w", kind, err)
		}
		envelope.Payload = encoded
	}
	return envelope, nil
}

// EncodeEnvelope serializes the envelope to canonical CBOR.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	if err := ValidateKind(envelope.Kind); err != nil {
		return nil, err
	}
	data, err := Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope from data and validates its kind
// and schema version. Payloads of unexpected kinds are not decoded
// here; the caller dispatches on Kind first.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("wire: decoding envelope: %w", err)
	}
	if err := ValidateKind(envelope.Kind); err != nil {
		return Envelope{}, err
	}
	if envelope.SchemaVersion != SchemaVersion {
		return Envelope{}, fmt.Errorf("wire: unsupported schema version %d (want %d)",
			envelope.SchemaVersion, SchemaVersion)
	}
	return envelope, nil
}

// Decode unmarshals the envelope's payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("wire: %s envelope has no payload", e.Kind)
	}
	if err := Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("wire: decoding %s payload: %w", e.Kind, err)
	}
	return nil
}
