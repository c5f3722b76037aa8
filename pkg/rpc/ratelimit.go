package rpc

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is one token bucket's shape.
type Limit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// RateLimitConfig configures ingress admission. Overrides apply per endpoint
// path (e.g. "/health", "/metrics"). Buckets are in-memory and reset on
// restart; consensus admission remains the source of truth.
type RateLimitConfig struct {
	PerIP     Limit            `yaml:"per_ip"`
	Global    Limit            `yaml:"global"`
	Overrides map[string]Limit `yaml:"overrides"`
}

// DefaultRateLimitConfig returns the default ingress budget.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerIP:  Limit{RPS: 10, Burst: 20},
		Global: Limit{RPS: 500, Burst: 1000},
		Overrides: map[string]Limit{
			"/health":  {RPS: 5, Burst: 10},
			"/metrics": {RPS: 2, Burst: 4},
		},
	}
}

const maxBuckets = 100_000

// RateLimiter keeps a token bucket per (ip, endpoint) key plus one global
// bucket for total ingress.
type RateLimiter struct {
	cfg    RateLimitConfig
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds the limiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	var global *rate.Limiter
	if cfg.Global.RPS > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.Global.RPS), cfg.Global.Burst)
	}
	return &RateLimiter{
		cfg:     cfg,
		global:  global,
		buckets: make(map[string]*bucket),
	}
}

// limitFor resolves the endpoint's bucket shape.
func (rl *RateLimiter) limitFor(endpoint string) Limit {
	if override, ok := rl.cfg.Overrides[endpoint]; ok {
		return override
	}
	return rl.cfg.PerIP
}

// Allow admits or rejects one request from ip against endpoint.
func (rl *RateLimiter) Allow(ip, endpoint string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	limit := rl.limitFor(endpoint)
	if limit.RPS <= 0 {
		return true
	}
	key := ip + "|" + endpoint

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= maxBuckets {
			rl.pruneLocked()
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(limit.RPS), limit.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	limiter := b.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// pruneLocked drops buckets idle for over a minute.
func (rl *RateLimiter) pruneLocked() {
	cutoff := time.Now().Add(-time.Minute)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// clientIP extracts the caller address, honoring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
