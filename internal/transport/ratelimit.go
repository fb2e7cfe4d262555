package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connRateLimiter throttles connection attempts per source IP using token
// buckets. Entries for idle IPs are swept periodically so the map cannot
// grow without bound.
type connRateLimiter struct {
	mu    sync.Mutex
	perIP map[string]*ipLimiterEntry

	ipRate  rate.Limit
	ipBurst int
	ttl     time.Duration
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newConnRateLimiter(perSecond float64, burst int) *connRateLimiter {
	return &connRateLimiter{
		perIP:   make(map[string]*ipLimiterEntry),
		ipRate:  rate.Limit(perSecond),
		ipBurst: burst,
		ttl:     5 * time.Minute,
	}
}

// allow reports whether a connection attempt from ip may proceed.
func (l *connRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// sweepLoop removes stale IP entries every minute until ctx is cancelled.
func (l *connRateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, entry := range l.perIP {
				if now.Sub(entry.lastAccess) > l.ttl {
					delete(l.perIP, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}
