package httpmw

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig is one fixed-window limit.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter enforces per-IP fixed-window limits. Operator endpoints
// get a tighter rule than read paths; unknown paths use the default.
type RateLimiter struct {
	def     RateLimitConfig
	rules   map[string]RateLimitConfig // method+path overrides
	buckets sync.Map
	exclude []string
	logger  *slog.Logger
	done    chan struct{}
}

// NewRateLimiter creates a limiter with a default rule and optional
// excluded path prefixes.
func NewRateLimiter(def RateLimitConfig, logger *slog.Logger, excludePrefixes ...string) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		def:     def,
		rules:   make(map[string]RateLimitConfig),
		exclude: excludePrefixes,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// SetRule overrides the limit for one endpoint ("POST /api/refresh").
func (rl *RateLimiter) SetRule(endpoint string, cfg RateLimitConfig) {
	rl.rules[endpoint] = cfg
}

// StartGC launches the bucket garbage collector; Stop halts it.
func (rl *RateLimiter) StartGC() {
	tick := time.NewTicker(5 * time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-rl.done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

// Stop halts the garbage collector.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) allow(ip, endpoint string) bool {
	cfg, ok := rl.rules[endpoint]
	if !ok {
		cfg = rl.def
	}
	if cfg.MaxRequests <= 0 {
		return true
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	now := time.Now()
	key := ip + ":" + endpoint

	val, loaded := rl.buckets.LoadOrStore(key, &bucket{
		count:   1,
		resetAt: now.Add(window),
	})
	if !loaded {
		return true
	}

	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(window)
		return true
	}
	b.count++
	return b.count <= cfg.MaxRequests
}

// Middleware enforces the limits with a JSON 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		if rl.allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", "60")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
	})
}

// ExtractIP returns the client IP, honouring X-Forwarded-For from the
// front proxy.
func ExtractIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
