// Package testutil holds helpers shared by package tests: an in-memory
// advertising bus and guards for fuzz targets.
package testutil

import (
	"testing"
	"time"
)

const (
	MaxFuzzInput = 1 << 16
	FuzzDeadline = 100 * time.Millisecond
)

// Truncate limits fuzz input to max bytes. A max of zero keeps b whole.
func Truncate(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}

// Within fails t when fn has not returned after d. Decoders must never
// block on malformed input.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzDeadline
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("decoder still running after %s", d)
	}
}
