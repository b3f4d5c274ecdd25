// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat reports asset liveness to the control plane.
//
// A heartbeat is a small JSON document sent to /mtls/hello on a fixed
// cadence, backed off exponentially while the control plane is
// unreachable. The payload field order is part of the reporting
// contract — the struct declaration below is the canonical order and
// must not be rearranged.
package heartbeat

import (
	"time"

	"github.com/google/uuid"
)

// processStart anchors the uptime counter. time.Since reads the
// monotonic clock, so reported uptime is immune to wall-clock steps.
var processStart = time.Now()

// Uptime returns whole seconds since the process started.
func Uptime() int64 {
	return int64(time.Since(processStart).Seconds())
}

// Payload is the heartbeat document. Field order is canonical.
type Payload struct {
	TenantID      string `json:"tenant_id"`
	AssetID       string `json:"asset_id"`
	IdentityID    string `json:"identity_id"`
	EventID       string `json:"event_id"`
	AgentVersion  string `json:"agent_version"`
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	TrustState    string `json:"trust_state"`
	SentAt        string `json:"sent_at"`
}

// Identity carries the per-asset constants stamped into every heartbeat.
type Identity struct {
	TenantID     string
	AssetID      string
	IdentityID   string
	TrustState   string
	Hostname     string
	OS           string
	AgentVersion string
}

// newPayload assembles a heartbeat with a fresh event id at the given
// wall-clock time.
func newPayload(identity Identity, now time.Time, uptimeSeconds int64) Payload {
	return Payload{
		TenantID:      identity.TenantID,
		AssetID:       identity.AssetID,
		IdentityID:    identity.IdentityID,
		EventID:       uuid.NewString(),
		AgentVersion:  identity.AgentVersion,
		Hostname:      identity.Hostname,
		OS:            identity.OS,
		UptimeSeconds: uptimeSeconds,
		TrustState:    identity.TrustState,
		SentAt:        now.UTC().Format(time.RFC3339),
	}
}
