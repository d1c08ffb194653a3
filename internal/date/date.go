// Package date caches the HTTP Date header value so response serialization
// never formats a timestamp on the hot path.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var cached atomic.Pointer[[]byte]

// StartTicker refreshes the cached value every 500ms and returns a stop
// function. Current falls back to formatting directly until the first tick.
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
	b := []byte(time.Now().UTC().Format(http.TimeFormat))
	cached.Store(&b)
}

// Current returns the cached Date header bytes. Callers must not modify the
// returned slice.
func Current() []byte {
	if p := cached.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
