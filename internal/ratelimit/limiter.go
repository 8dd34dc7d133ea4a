// Package ratelimit implements per-client sliding-window admission limits.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docrag/intake/internal/intake"
)

// Decision is the outcome of an admission check. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Limiter tracks request timestamps per client key over a sliding window.
// Entries are purged lazily on each check, so an idle client costs nothing
// after its window drains.
type Limiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	limit   int
	window  time.Duration
	clock   intake.Clock
}

// New builds a Limiter allowing limit requests per window per client.
// A non-positive limit disables limiting.
func New(limit int, window time.Duration, clock intake.Clock) *Limiter {
	return &Limiter{
		clients: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		clock:   clock,
	}
}

// Check records an attempt for key and reports whether it is admitted.
// Rejected attempts are not recorded, so a client hammering the endpoint
// does not push its own window forward.
func (l *Limiter) Check(key string) Decision {
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.clients[key]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= l.limit {
		l.clients[key] = live
		retry := live[0].Add(l.window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}

	live = append(live, now)
	l.clients[key] = live
	return Decision{Allowed: true, Remaining: l.limit - len(live)}
}

// ActiveClients reports how many keys currently hold window state.
func (l *Limiter) ActiveClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// ClientKey builds a KeyFunc over the remote address. When trustProxy is
// set, the client is taken from X-Forwarded-For, counting proxyHops entries
// from the right; rightmost entries are appended by our own proxies and are
// the only ones that cannot be forged.
func ClientKey(trustProxy bool, proxyHops int) KeyFunc {
	return func(r *http.Request) string {
		if trustProxy {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				parts := strings.Split(fwd, ",")
				idx := len(parts) - 1 - proxyHops
				if idx < 0 {
					idx = 0
				}
				if ip := strings.TrimSpace(parts[idx]); ip != "" {
					return ip
				}
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}
