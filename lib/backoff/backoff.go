// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff computes capped exponential retry delays.
//
// Outpost components that talk to the backend (heartbeat sender,
// uplink shipper) share the same retry shape: double the base interval
// per consecutive failure, never exceed the cap, and reset to the base
// on the first success. Callers own the failure counter; this package
// is a pure function of it, which keeps the schedule trivially
// testable against a fake clock.
package backoff

import "time"

// Interval returns the delay before the next attempt after the given
// number of consecutive failures: min(base * 2^failures, max).
// Zero failures returns the base interval. The doubling is computed
// iteratively so large failure counts saturate at max instead of
// overflowing.
func Interval(base time.Duration, failures int, max time.Duration) time.Duration {
	if base >= max {
		return max
	}
	interval := base
	for i := 0; i < failures; i++ {
		interval *= 2
		if interval >= max || interval <= 0 {
			return max
		}
	}
	return interval
}
