package httpmiddleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"eventgate/internal/metrics"
)

// KeyedLimiter is an in-memory per-key token bucket limiter.
type KeyedLimiter struct {
	name  string
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	sweeps  int
}

type entry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// sweepEvery is how many calls pass between evictions of idle keys.
const sweepEvery = 1024

// NewKeyedLimiter allows perMinute requests per key with a burst of the same
// size. name labels the rejection metric.
func NewKeyedLimiter(name string, perMinute int) *KeyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &KeyedLimiter{
		name:    name,
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idle:    10 * time.Minute,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether a request for key may proceed now.
func (l *KeyedLimiter) Allow(key string) bool {
	_, ok := l.reserve(key)
	return ok
}

// reserve consumes a token for key. When none is left it returns how long
// until one will be.
func (l *KeyedLimiter) reserve(key string) (time.Duration, bool) {
	now := l.now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	l.sweeps++
	if l.sweeps >= sweepEvery {
		l.sweeps = 0
		l.evictIdle(now)
	}
	l.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay, false
	}
	return 0, true
}

func (l *KeyedLimiter) evictIdle(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.seen) > l.idle {
			delete(l.entries, key)
		}
	}
}

func (l *KeyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

// ClientIP keys requests by client address.
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// GinMiddleware rejects requests over the limit with 429 and a Retry-After
// header.
func (l *KeyedLimiter) GinMiddleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		wait, ok := l.reserve(key(c))
		if !ok {
			metrics.RateLimited.WithLabelValues(l.name).Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}
