package testutil

import (
	"testing"
	"time"
)

// WaitUntil polls cond until it returns true or the timeout elapses, then
// fails the test. Use for effects that land on another goroutine.
func WaitUntil(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v %v", timeout, msgAndArgs)
}
