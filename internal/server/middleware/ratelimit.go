package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// RateConfig configures RateLimit.
type RateConfig struct {
	// Limit is requests per Window per client.
	Limit  int
	Window time.Duration
	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Headers from any other peer are ignored.
	TrustedProxies []netip.Prefix
	Now            func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// localLimiter is a per-client token bucket used when the shared limiter is
// absent or failing. A bucket idle for a whole window is full again, so it is
// dropped on the next sweep.
type localLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLocalLimiter(limit int, window time.Duration, now func() time.Time) *localLimiter {
	return &localLimiter{
		buckets:   make(map[string]*bucket),
		limit:     rate.Limit(float64(limit) / window.Seconds()),
		burst:     limit,
		idle:      window,
		lastSweep: now(),
		now:       now,
	}
}

func (l *localLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

func (l *localLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit limits each client IP to cfg.Limit requests per cfg.Window. The
// shared limiter may be nil; when it is nil or returns an error the
// in-process token bucket decides.
func RateLimit(shared domain.RateLimiter, cfg RateConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	local := newLocalLimiter(cfg.Limit, cfg.Window, cfg.Now)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, cfg.TrustedProxies)
			var allowed bool
			if shared != nil {
				ok, err := shared.Allow(r.Context(), "api:"+ip, cfg.Limit, cfg.Window)
				if err != nil {
					logger.WarnContext(r.Context(), "middleware: shared rate limiter failed",
						slog.String("error", err.Error()),
					)
					ok = local.allow(ip)
				}
				allowed = ok
			} else {
				allowed = local.allow(ip)
			}
			if !allowed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the peer address, or the forwarded client when the peer
// is a trusted proxy. X-Forwarded-For is walked from the right, skipping
// trusted hops, so a client cannot pick its own key by prepending entries.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if !isTrusted(peer, trusted) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
