// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog detects heartbeat outages.
//
// The heartbeat sender backs off and logs its own transport failures,
// but a wedged sender reports nothing at all. The watchdog covers that
// case from outside: an independent [Monitor] loop wakes every half
// timeout, compares the clock against the last accepted heartbeat, and
// raises one alarm when the gap first exceeds the timeout. The next
// accepted heartbeat re-arms it.
//
// The monitor is a pure observer. The heartbeat sender is the single
// writer of the liveness timestamp (through [Monitor.Notify]); the
// monitor never sends traffic and never restarts anything. Escalation
// belongs to whoever receives the alarm callback — the daemon logs it
// and queues a liveness event for the uplink.
package watchdog
