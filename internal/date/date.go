// Package date caches the RFC1123 timestamp used for the response "date"
// header so the hot path never calls time.Now().Format on every request.
package date

import (
	"sync/atomic"
	"time"
)

var cached atomic.Pointer[[]byte]

// StartTicker primes the cache and refreshes it every 500ms until the
// returned stop function is called. 500ms keeps a served "date" header
// within the one-second resolution RFC 7231 requires without formatting on
// every write.
func StartTicker() func() {
	refresh()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func refresh() {
	b := []byte(time.Now().UTC().Format(time.RFC1123))
	cached.Store(&b)
}

// Current returns the cached date header value. The returned slice must
// not be mutated by the caller; it is shared across every connection.
func Current() []byte {
	if p := cached.Load(); p != nil {
		return *p
	}
	// StartTicker hasn't run yet (e.g. a codec test constructing headers
	// outside a live listener); format on demand rather than return empty.
	return []byte(time.Now().UTC().Format(time.RFC1123))
}
