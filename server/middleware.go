// Package server middleware for authentication and rate limiting
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AuthConfig holds admin credentials. Token and Basic auth may both be set.
type AuthConfig struct {
	Username string
	Password string
	Token    string
}

func (c AuthConfig) enabled() bool {
	return (c.Username != "" && c.Password != "") || c.Token != ""
}

// adminAuth is a middleware that protects admin endpoints with Basic Auth or token-based auth
func adminAuth(next http.Handler, cfg AuthConfig) http.Handler {
	if !cfg.enabled() {
		slog.Warn("Admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if not configured (dev mode)
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		// Try token-based auth first (X-Admin-Token header)
		if cfg.Token != "" {
			token := r.Header.Get("X-Admin-Token")
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		if cfg.Username != "" && cfg.Password != "" {
			username, password, ok := r.BasicAuth()
			if ok {
				usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
				passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
				if usernameMatch && passwordMatch {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="chzzk-bot admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// rateLimiterConfig holds rate limiting configuration
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int           // burst per IP
	window        time.Duration // time to refill the full burst
}

// loadRateLimiterConfig reads rate limiter configuration from environment
func loadRateLimiterConfig() rateLimiterConfig {
	cfg := rateLimiterConfig{
		enabled:       os.Getenv("RATE_LIMIT_ENABLED") != "0",
		requestsPerIP: 10,
		window:        time.Minute,
	}
	if n, err := strconv.Atoi(os.Getenv("RATE_LIMIT_REQUESTS_PER_IP")); err == nil && n > 0 {
		cfg.requestsPerIP = n
	}
	if n, err := strconv.Atoi(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); err == nil && n > 0 {
		cfg.window = time.Duration(n) * time.Second
	}
	return cfg
}

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      rateLimiterConfig
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter creates a limiter whose stale entries are swept until ctx ends.
func newIPRateLimiter(ctx context.Context, cfg rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{visitors: make(map[string]*visitor), cfg: cfg}
	go rl.cleanupLoop(ctx)
	return rl
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// cleanup removes visitors idle for more than two windows.
func (rl *ipRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cfg.window*2 {
			delete(rl.visitors, ip)
		}
	}
}

// allow checks if a request from the given IP should be allowed
func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		every := rl.cfg.window / time.Duration(rl.cfg.requestsPerIP)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), rl.cfg.requestsPerIP)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// clientIP prefers the first X-Forwarded-For hop and strips the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip
}

// rateLimitMiddleware applies rate limiting to sensitive endpoints
func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limiter.cfg.window.Seconds())))
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}
