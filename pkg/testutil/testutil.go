// Package testutil provides testing utilities for Comet
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLogger creates a debug-level logger writing through the test's output,
// so pool internals (housekeeper sweeps, connection opens, retirements) show
// up interleaved with the assertions that depend on them.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))
}

// TestContext returns a context that ends 30 seconds from now or one second
// before the test binary's own deadline (so cleanup still runs inside it),
// whichever is earlier. Cancellation is registered as a test cleanup.
func TestContext(t *testing.T) context.Context {
	deadline := time.Now().Add(30 * time.Second)
	if d, ok := t.Deadline(); ok && d.Add(-time.Second).Before(deadline) {
		deadline = d.Add(-time.Second)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually polls the condition every 5ms until it holds or the
// timeout expires. The condition is re-checked once after the deadline so a
// success landing on the boundary is not reported as a failure.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		if condition() {
			return
		}
		select {
		case <-deadline:
			if condition() {
				return
			}
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		case <-ticker.C:
		}
	}
}

// AssertConsistently verifies the condition keeps holding for the whole
// window, checking every 5ms. This is the tool for "nothing changes"
// properties: idle counts staying at zero after a soft eviction, a removed
// entry never resurfacing, counters not drifting while the pool is quiet.
func AssertConsistently(t *testing.T, condition func() bool, window time.Duration, msg string) {
	t.Helper()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	end := time.After(window)

	for {
		if !condition() {
			t.Fatalf("condition violated within %v: %s", window, msg)
		}
		select {
		case <-end:
			return
		case <-ticker.C:
		}
	}
}
