package sip

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SourceLimiterConfig configures per-source-IP token-bucket throttling.
// Same shape as the push gateway's RateLimiterConfig, keyed by SIP source
// address instead of license key.
type SourceLimiterConfig struct {
	// Rate is the number of requests allowed per second per source IP.
	Rate rate.Limit
	// Burst is the maximum burst size per source IP.
	Burst int
	// CleanupInterval is how often idle limiters are evicted.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultSourceLimiterConfig allows 5 REGISTER/MESSAGE requests per second
// per source IP, bursting to 20 — generous enough for a device reREGISTERing
// on every network change, tight enough to blunt a credential-stuffing run
// well before BruteForceGuard's 10-failure threshold would ever see it.
func DefaultSourceLimiterConfig() SourceLimiterConfig {
	return SourceLimiterConfig{
		Rate:            rate.Limit(5),
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type sourceLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceLimiter is the per-source-IP token bucket spec.md's AuthDenied edge
// case calls "upstream rate limiting": it sits in front of BruteForceGuard
// in the Context's dispatch path, so a flood of REGISTER/MESSAGE requests
// gets throttled before it ever reaches digest verification, let alone
// counts against the failure threshold that blocks an IP outright.
type SourceLimiter struct {
	mu      sync.Mutex
	entries map[string]*sourceLimiterEntry
	cfg     SourceLimiterConfig
	stopCh  chan struct{}
}

// NewSourceLimiter creates a limiter and starts its background cleanup.
func NewSourceLimiter(cfg SourceLimiterConfig) *SourceLimiter {
	rl := &SourceLimiter{
		entries: make(map[string]*sourceLimiterEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from source ("ip:port" or a bare IP) may
// proceed under its current token bucket.
func (rl *SourceLimiter) Allow(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		ip = source
	}

	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &sourceLimiterEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *SourceLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *SourceLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *SourceLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("source rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}
