package validation

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter allows up to max requests per window for each identifier.
//
// Each identifier gets a token bucket holding max tokens that refills evenly
// over window, so a full burst is available again one window after the last use.
type RateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastPrune time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter. A nil clock defaults to time.Now.
func NewRateLimiter(max int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		max:     max,
		window:  window,
		now:     now,
		clients: make(map[string]*client),
	}
}

// Allow consumes one request for identifier and reports whether it was permitted.
func (l *RateLimiter) Allow(identifier string) bool {
	if l.max <= 0 || l.window <= 0 {
		return false
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)

	c, ok := l.clients[identifier]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.max)), l.max)}
		l.clients[identifier] = c
	}
	c.lastSeen = now

	return c.limiter.AllowN(now, 1)
}

// prune drops identifiers idle for longer than a window; their buckets are full again.
func (l *RateLimiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now
	for id, c := range l.clients {
		if now.Sub(c.lastSeen) > l.window {
			delete(l.clients, id)
		}
	}
}
