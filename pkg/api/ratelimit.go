package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter throttles clients by IP with a token bucket that refills
// requests tokens per period.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	period time.Duration

	mu          sync.Mutex
	clients     map[string]*client
	lastCleanup time.Time
	now         func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(requests int, period time.Duration) *RateLimiter {
	if requests < 1 {
		requests = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	return &RateLimiter{
		limit:   rate.Every(period / time.Duration(requests)),
		burst:   requests,
		period:  period,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > l.period {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > l.period {
				delete(l.clients, k)
			}
		}
		l.lastCleanup = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			fail(c, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}
		c.Next()
	}
}
