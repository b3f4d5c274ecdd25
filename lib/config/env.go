// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvironment overlays OUTPOST_* variables onto the defaults. It runs
// before the config file is parsed, so file values win over the
// environment. Unparseable numeric or boolean values are ignored and the
// current value kept.
func (c *Config) applyEnvironment() {
	setString(&c.TenantID, "OUTPOST_TENANT_ID")
	setString(&c.AssetID, "OUTPOST_ASSET_ID")
	setString(&c.IdentityID, "OUTPOST_IDENTITY_ID")
	setString(&c.TrustState, "OUTPOST_TRUST_STATE")

	setString(&c.Transport.URL, "OUTPOST_TRANSPORT_URL")
	setString(&c.Transport.CertFingerprint, "OUTPOST_CERT_FINGERPRINT")
	setString(&c.Transport.APIKey, "OUTPOST_API_KEY")
	setString(&c.Transport.SharedKeyFile, "OUTPOST_SHARED_KEY_FILE")

	setInt(&c.Heartbeat.IntervalSeconds, "OUTPOST_HEARTBEAT_INTERVAL_SECONDS")
	setInt(&c.Heartbeat.MaxIntervalSeconds, "OUTPOST_HEARTBEAT_MAX_INTERVAL_SECONDS")
	setInt(&c.Watchdog.TimeoutSeconds, "OUTPOST_WATCHDOG_TIMEOUT_SECONDS")

	setInt(&c.Patch.PollIntervalSeconds, "OUTPOST_PATCH_POLL_INTERVAL_SECONDS")
	setInt(&c.Patch.SkewToleranceSeconds, "OUTPOST_PATCH_SKEW_TOLERANCE_SECONDS")

	setString(&c.Defence.PolicyID, "OUTPOST_DEFENCE_POLICY_ID")
	setString(&c.Defence.Mode, "OUTPOST_DEFENCE_MODE")
	setFloat(&c.Defence.MinConfidence, "OUTPOST_DEFENCE_MIN_CONFIDENCE")
	setInt(&c.Defence.RateLimitCount, "OUTPOST_DEFENCE_RATE_LIMIT_COUNT")
	setInt(&c.Defence.RateLimitWindowSeconds, "OUTPOST_DEFENCE_RATE_LIMIT_WINDOW_SECONDS")
	setBool(&c.Defence.AllowKillProcess, "OUTPOST_DEFENCE_ALLOW_KILL")
	setBool(&c.Defence.AllowQuarantineFile, "OUTPOST_DEFENCE_ALLOW_QUARANTINE")
	setBool(&c.Defence.AllowBlockNetwork, "OUTPOST_DEFENCE_ALLOW_BLOCK")
	setBool(&c.Defence.AllowPreventExecution, "OUTPOST_DEFENCE_ALLOW_PREVENT")
	setString(&c.Defence.PolicyFile, "OUTPOST_DEFENCE_POLICY_FILE")

	setString(&c.Evidence.Dir, "OUTPOST_EVIDENCE_DIR")
	setString(&c.Uplink.QueueDir, "OUTPOST_UPLINK_QUEUE_DIR")

	setString(&c.Paths.State, "OUTPOST_STATE_DIR")
	setString(&c.Paths.Runtime, "OUTPOST_RUNTIME_DIR")

	setString(&c.Integrity.ExpectedBinaryHash, "OUTPOST_EXPECTED_BINARY_HASH")
}

func setString(dst *string, name string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}

func setInt(dst *int, name string) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return
	}
	*dst = parsed
}

func setFloat(dst *float64, name string) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return
	}
	*dst = parsed
}

func setBool(dst *bool, name string) {
	if parsed, ok := ParseBool(os.Getenv(name)); ok {
		*dst = parsed
	}
}

// ParseBool interprets the agent's boolean convention: true/1/yes and
// false/0/no, case-insensitive. The second return reports whether the
// input was recognized.
func ParseBool(value string) (parsed, ok bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}
