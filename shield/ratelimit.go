package shield

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateConfig sets the per-client token bucket.
type RateConfig struct {
	// PerSecond is the sustained request rate per client IP. Default: 5.
	PerSecond float64
	// Burst is the bucket size. Default: 20.
	Burst int
	// IdleTTL evicts limiters for clients not seen for this long. Default: 10m.
	IdleTTL time.Duration
}

func (c *RateConfig) defaults() {
	if c.PerSecond <= 0 {
		c.PerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
}

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is an in-memory per-IP rate limiter.
type RateLimiter struct {
	cfg     RateConfig
	mu      sync.Mutex
	clients map[string]*client
	exclude []string
	now     func() time.Time
}

// NewRateLimiter creates a limiter. Paths starting with one of
// excludePrefixes are never limited.
func NewRateLimiter(cfg RateConfig, excludePrefixes ...string) *RateLimiter {
	cfg.defaults()
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		exclude: excludePrefixes,
		now:     time.Now,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{lim: rate.NewLimiter(rate.Limit(rl.cfg.PerSecond), rl.cfg.Burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now

	// Opportunistic GC keeps the map bounded without a goroutine.
	if len(rl.clients) > 1024 {
		for k, v := range rl.clients {
			if now.Sub(v.lastSeen) > rl.cfg.IdleTTL {
				delete(rl.clients, k)
			}
		}
	}
	return c.lim.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429 and a JSON envelope.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		if rl.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
