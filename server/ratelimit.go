package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// windowRecord tracks one client's request count in the current window.
type windowRecord struct {
	count       int
	windowStart time.Time
}

// rateLimiter is a fixed-window per-client request limiter. A max of zero
// disables it.
type rateLimiter struct {
	mu      sync.Mutex
	records map[string]*windowRecord
	max     int
	window  time.Duration
	now     func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		records: make(map[string]*windowRecord),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// allow records one request for the client and reports whether it is within
// the window quota. Expired windows are pruned on every call, which keeps the
// map bounded by the number of recently active clients.
func (l *rateLimiter) allow(client string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, rec := range l.records {
		if now.Sub(rec.windowStart) >= l.window {
			delete(l.records, key)
		}
	}

	rec, ok := l.records[client]
	if !ok {
		rec = &windowRecord{windowStart: now}
		l.records[client] = rec
	}

	if rec.count >= l.max {
		return false
	}
	rec.count++
	return true
}

// clientIP resolves the client address for rate limiting, honouring reverse
// proxy headers before falling back to the connection peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
