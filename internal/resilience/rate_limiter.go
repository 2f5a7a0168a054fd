package resilience

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RemoteLimiterConfig tunes a RemoteLimiter's per-address token bucket.
type RemoteLimiterConfig struct {
	RPS   float64
	Burst int
}

func (c RemoteLimiterConfig) withDefaults() RemoteLimiterConfig {
	if c.RPS == 0 {
		c.RPS = 50
	}
	if c.Burst == 0 {
		c.Burst = 100
	}
	return c
}

type remoteLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RemoteLimiter rate-limits per remote address, keyed by host alone (so
// reconnects from the same client share one bucket rather than resetting
// it), the same keyed-map pattern the teacher's per-tenant HTTP rate
// limiter uses, adapted to a raw-TCP acceptor instead of gin middleware.
type RemoteLimiter struct {
	cfg RemoteLimiterConfig

	mu       sync.Mutex
	limiters map[string]*remoteLimiterEntry
}

// NewRemoteLimiter constructs a RemoteLimiter. A zero-value cfg field gets
// a conservative default.
func NewRemoteLimiter(cfg RemoteLimiterConfig) *RemoteLimiter {
	return &RemoteLimiter{cfg: cfg.withDefaults(), limiters: make(map[string]*remoteLimiterEntry)}
}

// Allow reports whether a request from remoteAddr (typically a
// net.Conn.RemoteAddr().String(), "host:port") may proceed, charging one
// token against that host's bucket.
func (r *RemoteLimiter) Allow(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	r.mu.Lock()
	entry, ok := r.limiters[host]
	if !ok {
		entry = &remoteLimiterEntry{limiter: rate.NewLimiter(rate.Limit(r.cfg.RPS), r.cfg.Burst)}
		r.limiters[host] = entry
	}
	entry.lastAccess = time.Now()
	limiter := entry.limiter
	r.mu.Unlock()

	return limiter.Allow()
}

// Sweep drops buckets idle past maxAge, bounding memory on an index serving
// many distinct clients over its lifetime.
func (r *RemoteLimiter) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	for host, e := range r.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(r.limiters, host)
		}
	}
}

// Run sweeps idle buckets every interval until stop is closed, mirroring
// deliverymgr.Manager.Run's ticker-loop shape.
func (r *RemoteLimiter) Run(stop <-chan struct{}, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep(maxAge)
		}
	}
}
