package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

// RateLimit throttles requests per authenticated user, or per client IP when
// the route is unauthenticated.
func RateLimit(perSecond float64, burst int) gin.HandlerFunc {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	pool := &limiterPool{m: make(map[string]*rate.Limiter), rps: perSecond, burst: burst}

	return func(c *gin.Context) {
		key := c.GetString(UserIDKey)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !pool.get(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}
