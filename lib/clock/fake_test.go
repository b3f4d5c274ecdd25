// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	c.Advance(90 * time.Second)
	if got, want := c.Now(), start.Add(90*time.Second); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	ch := c.After(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// A multi-interval advance fires per interval, but the channel
	// buffer holds one tick; overflow is dropped.
	c.Advance(3 * time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after multi-interval advance")
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	ticker := c.NewTicker(time.Minute)
	ticker.Stop()

	c.Advance(5 * time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}

	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	fired := make(chan struct{})
	go func() {
		<-c.After(time.Hour)
		close(fired)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Hour)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for After to fire")
	}
}
