package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter hands out one token bucket per client address. Buckets idle
// for longer than IdleTTL are dropped; by then they would have refilled.
type ClientLimiter struct {
	IdleTTL time.Duration
	Now     func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows perMinute requests a minute per client with a
// burst of a tenth of that (at least one).
func NewClientLimiter(perMinute int) *ClientLimiter {
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		IdleTTL: 3 * time.Minute,
		Now:     time.Now,
		clients: make(map[string]*client),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
	}
}

func (c *ClientLimiter) limiter(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	if now.Sub(c.lastSweep) >= c.IdleTTL {
		c.sweep(now)
	}

	cl, ok := c.clients[key]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// sweep must be called with mu held.
func (c *ClientLimiter) sweep(now time.Time) {
	for key, cl := range c.clients {
		if now.Sub(cl.lastSeen) >= c.IdleTTL {
			delete(c.clients, key)
		}
	}
	c.lastSweep = now
}

// Allow spends one token for key.
func (c *ClientLimiter) Allow(key string) bool {
	return c.limiter(key).AllowN(c.Now(), 1)
}

// Tracked is the number of clients currently holding a bucket.
func (c *ClientLimiter) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// RateLimit rejects requests with 429 once the client's bucket is empty.
// It keys on RemoteAddr, so it belongs after middleware.RealIP.
func RateLimit(c *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
			if !c.Allow(key) {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many requests", Code: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
