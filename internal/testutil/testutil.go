// Package testutil collects small helpers shared by this module's test
// suites: mainly a way to drive a marshaller.Marshaller continuously in the
// background so tests can use the completion-signaling (Sync) API without
// hand-rolling a tick loop themselves.
package testutil

import (
	"sync"
	"time"

	"github.com/duskwave/sonora/marshaller"
)

// AutoDrain starts a background goroutine that calls m.Drain() on a short
// fixed interval, standing in for the audio thread's tick loop so that
// SubmitSync callers in tests don't deadlock waiting for a Drain that
// nobody would otherwise issue. The returned func stops the goroutine and
// waits for it to exit; call it via t.Cleanup or a defer.
func AutoDrain(m *marshaller.Marshaller) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				m.Drain() // final drain to catch anything in flight
				return
			case <-ticker.C:
				m.Drain()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
