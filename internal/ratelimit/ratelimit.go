// Package ratelimit applies per-session request rate limiting to the
// HTTP control surface.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits requests keyed by session id, 60 requests per 60
// seconds per session, allowing a small burst.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*sessionLimiter
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
}

type sessionLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New constructs a Limiter allowing reqPerWindow requests per window,
// with stale per-session entries evicted after idleTTL of inactivity.
func New(reqPerWindow int, window time.Duration, idleTTL time.Duration) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*sessionLimiter),
		rate:     rate.Limit(float64(reqPerWindow) / window.Seconds()),
		burst:    reqPerWindow,
		idleTTL:  idleTTL,
	}
	return l
}

func (l *Limiter) getLimiter(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.limiters[sessionID]
	if !ok {
		sl = &sessionLimiter{lim: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[sessionID] = sl
	}
	sl.lastSeen = time.Now()
	return sl.lim
}

// Allow reports whether a request for sessionID is within its window.
func (l *Limiter) Allow(sessionID string) bool {
	return l.getLimiter(sessionID).Allow()
}

// Sweep evicts per-session limiters idle longer than idleTTL, bounding
// memory use across a long-lived process.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for id, sl := range l.limiters {
		if now.Sub(sl.lastSeen) > l.idleTTL {
			delete(l.limiters, id)
		}
	}
}

// Remove drops sessionID's limiter outright, e.g. when the session is
// torn down.
func (l *Limiter) Remove(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, sessionID)
}
