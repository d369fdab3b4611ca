package cardlink

import (
	"sync"
	"time"
)

// frameLimiter caps inbound frames per sliding window. Timestamps live in a ring
// sized to the limit, so the oldest admitted frame decides whether another fits.
type frameLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	full   bool
	window time.Duration
}

func newFrameLimiter(limit int, window time.Duration) *frameLimiter {
	if limit <= 0 {
		limit = inboundFrameLimit
	}
	if window <= 0 {
		window = inboundFrameWindow
	}
	return &frameLimiter{ring: make([]time.Time, limit), window: window}
}

// allow admits a frame arriving at now unless limit frames were admitted within the window.
func (l *frameLimiter) allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.full && now.Sub(l.ring[l.next]) < l.window {
		return false
	}
	l.ring[l.next] = now
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	return true
}
