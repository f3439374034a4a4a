package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a simple token bucket rate limiter per client IP.
type RateLimiter struct {
	requests     map[string]*bucket
	mu           sync.Mutex
	rate         int           // requests per window
	window       time.Duration // time window
	maxCacheSize int           // maximum number of IPs to track

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter allowing rate requests per
// window. Close stops its cleanup goroutine.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:     make(map[string]*bucket),
		rate:         rate,
		window:       window,
		maxCacheSize: 10000,
		stop:         make(chan struct{}),
	}

	go rl.cleanup(10 * time.Minute)

	return rl
}

// Allow checks if a request from the given IP should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	b, exists := rl.requests[ip]
	if !exists {
		if len(rl.requests) >= rl.maxCacheSize {
			rl.evictOldest(now)
		}
		rl.requests[ip] = &bucket{
			tokens:     rl.rate - 1,
			lastRefill: now,
		}
		return true
	}

	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// evictOldest drops stale entries, then 10% of the rest if still full.
func (rl *RateLimiter) evictOldest(now time.Time) {
	rl.dropStale(now)

	if len(rl.requests) >= rl.maxCacheSize {
		toRemove := len(rl.requests) / 10
		removed := 0
		for ip := range rl.requests {
			delete(rl.requests, ip)
			removed++
			if removed >= toRemove {
				break
			}
		}
	}
}

func (rl *RateLimiter) dropStale(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.requests, ip)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(getClientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, messageResponse{Message: "Rate limit exceeded. Please try again later."})
			return
		}
		next(w, r)
	}
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// getClientIP uses RemoteAddr only; X-Forwarded-For can be spoofed.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			rl.dropStale(now)
			rl.mu.Unlock()
		}
	}
}
