package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/memrag/internal/logging"
)

// Defaults per access class. Writes embed every text they carry, so they
// get a smaller budget than searches.
const (
	defaultRateLimit      = 10
	defaultRateBurst      = 20
	defaultWriteRateLimit = 2
	defaultWriteRateBurst = 5
)

// bucketIdleTTL is how long an unused bucket is kept before eviction.
const bucketIdleTTL = 5 * time.Minute

// rateClass is the token-bucket budget of one access class.
type rateClass struct {
	RPS   float64
	Burst int
}

// bucketKey identifies a bucket: one per client IP and access class, so a
// client bulk-loading a store does not starve its own searches.
type bucketKey struct {
	ip   string
	need access
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces per-IP, per-access-class token buckets on the store
// routes. Idle buckets are evicted by a background goroutine.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	classes map[access]rateClass
	metrics *serverMetrics
	log     *slog.Logger
}

// newRateLimiter constructs a rateLimiter with the read and write budgets and
// starts the eviction goroutine, which exits when the returned stop function
// is called.
func newRateLimiter(read, write rateClass, m *serverMetrics, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets: make(map[bucketKey]*bucket),
		classes: map[access]rateClass{accessRead: read, accessWrite: write},
		metrics: m,
		log:     log,
	}

	stopCh := make(chan struct{})
	go rl.evictLoop(stopCh)

	return rl, func() { close(stopCh) }
}

// limiter returns the bucket for key, creating it on first use.
func (rl *rateLimiter) limiter(key bucketKey) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		c := rl.classes[key.need]
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(c.RPS), c.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			rl.evict(now.Add(-bucketIdleTTL))
		}
	}
}

// evict drops buckets not seen since cutoff.
func (rl *rateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// middleware charges one token from the caller's need bucket before
// delegating to next. Over-budget requests get 429 with a Retry-After taken
// from the bucket's refill time.
func (rl *rateLimiter) middleware(need access, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		res := rl.limiter(bucketKey{ip: ip, need: need}).Reserve()
		delay := res.Delay()
		if !res.OK() || delay > 0 {
			res.Cancel()
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("access", need.String()),
			)
			rl.metrics.rejected(need, reasonRateLimited)
			w.Header().Set("Retry-After", retryAfter(res.OK(), delay))
			writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter formats delay as whole seconds, at least 1. A reservation that
// can never be satisfied (zero rate) is reported as one minute.
func retryAfter(ok bool, delay time.Duration) string {
	if !ok || delay == rate.InfDuration {
		return "60"
	}
	return strconv.Itoa(max(1, int(math.Ceil(delay.Seconds()))))
}

// clientIP returns the remote IP without its port. X-Forwarded-For is not
// trusted: the server binds to loopback by default.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
