// Package testutil holds helpers shared by the relay's tests.
package testutil

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineBaseline settles the runtime and returns the current goroutine
// count, to be passed to AssertNoGoroutineLeaks after the code under test
// has shut down.
func GoroutineBaseline() int {
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	return runtime.NumGoroutine()
}

// AssertNoGoroutineLeaks waits for the goroutine count to fall back to
// within margin of baseline. Per-connection goroutines exit asynchronously
// after the socket closes, so the count is polled rather than read once.
func AssertNoGoroutineLeaks(t testing.TB, baseline, margin int) {
	t.Helper()
	const timeout = 10 * time.Second
	deadline := time.Now().Add(timeout)
	current := runtime.NumGoroutine()
	for current > baseline+margin {
		if time.Now().After(deadline) {
			buf := make([]byte, 1<<16)
			n := runtime.Stack(buf, true)
			t.Errorf("goroutine leak: baseline=%d current=%d margin=%d after %s\n%s",
				baseline, current, margin, timeout, buf[:n])
			return
		}
		time.Sleep(100 * time.Millisecond)
		current = runtime.NumGoroutine()
	}
}
