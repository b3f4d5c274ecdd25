// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers for the control-plane
// transport.
//
// ReadResponse bounds response body reads at MaxResponseSize so a
// misbehaving or hostile endpoint cannot exhaust agent memory. It is
// for JSON API responses, not streaming transfers.
package netutil

import (
	"io"
)

// MaxResponseSize is the bound on API response body reads: 16 MB.
// Control-plane responses (patch commands, ack confirmations) are
// kilobytes; the limit only exists for the pathological case.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}
