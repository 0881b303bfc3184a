package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements token bucket rate limiting per client. Long-lived
// WebSocket upgrades are exempted via a skip predicate since one upgrade
// can legitimately outlive thousands of request tokens.
type RateLimiter struct {
	requestsPerSecond float64
	burstSize         int
	clients           map[string]*ClientLimiter
	mu                sync.RWMutex
	cleanupInterval   time.Duration
	skip              func(r *http.Request) bool
}

// ClientLimiter tracks rate limit state for a single client
type ClientLimiter struct {
	tokens      float64
	lastUpdated time.Time
	mu          sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
// requestsPerSecond: sustained rate limit; burstSize: maximum burst.
func NewRateLimiter(requestsPerSecond float64, burstSize int, skip func(r *http.Request) bool) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10.0
	}
	if burstSize <= 0 {
		burstSize = 20
	}

	rl := &RateLimiter{
		requestsPerSecond: requestsPerSecond,
		burstSize:         burstSize,
		clients:           make(map[string]*ClientLimiter),
		cleanupInterval:   5 * time.Minute,
		skip:              skip,
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if a request from the given client should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	limiter := rl.getClientLimiter(clientID)
	return limiter.allow(rl.requestsPerSecond, rl.burstSize)
}

// getClientLimiter gets or creates a rate limiter for a client
func (rl *RateLimiter) getClientLimiter(clientID string) *ClientLimiter {
	rl.mu.RLock()
	limiter, exists := rl.clients[clientID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.clients[clientID]; exists {
		return limiter
	}

	limiter = &ClientLimiter{
		tokens:      float64(rl.burstSize),
		lastUpdated: time.Now(),
	}
	rl.clients[clientID] = limiter
	return limiter
}

// allow checks if the client can make a request (token bucket algorithm)
func (cl *ClientLimiter) allow(rate float64, burst int) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(cl.lastUpdated).Seconds()

	cl.tokens += elapsed * rate
	if cl.tokens > float64(burst) {
		cl.tokens = float64(burst)
	}

	cl.lastUpdated = now

	if cl.tokens >= 1 {
		cl.tokens--
		return true
	}

	return false
}

// cleanupLoop periodically removes stale client limiters
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.cleanup()
	}
}

// cleanup removes client limiters that haven't been used recently
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cleanupInterval)
	for clientID, limiter := range rl.clients {
		limiter.mu.Lock()
		lastUpdated := limiter.lastUpdated
		limiter.mu.Unlock()

		if lastUpdated.Before(cutoff) {
			delete(rl.clients, clientID)
		}
	}
}

// Middleware returns an HTTP middleware function for rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.skip != nil && rl.skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		clientID := rl.extractClientID(r)

		if !rl.Allow(clientID) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractClientID extracts a client identifier from the request.
// Uses the authenticated user ID when available, otherwise the IP.
func (rl *RateLimiter) extractClientID(r *http.Request) string {
	if user, ok := GetUser(r.Context()); ok {
		return user.ID
	}
	return rl.getClientIP(r)
}

// getClientIP extracts the client IP address from the request
func (rl *RateLimiter) getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
