package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

func (l *clientLimiter) touch(now time.Time) {
	l.mu.Lock()
	l.lastSeen = now
	l.mu.Unlock()
}

func (l *clientLimiter) idleSince(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen.Before(cutoff)
}

// RateLimit provides token-bucket rate limiting per authenticated player,
// falling back to the client IP for anonymous requests.
// r = requests per second, b = burst size.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	limiters := &sync.Map{}

	// Cleanup goroutine: remove stale entries every 5 minutes.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			cutoff := time.Now().Add(-10 * time.Minute)
			limiters.Range(func(k, v interface{}) bool {
				if v.(*clientLimiter).idleSince(cutoff) {
					limiters.Delete(k)
				}
				return true
			})
		}
	}()

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id, _ := GetPlayer(c); id != "" {
			key = "player:" + id
		}
		v, _ := limiters.LoadOrStore(key, &clientLimiter{limiter: rate.NewLimiter(r, b)})
		l := v.(*clientLimiter)
		l.touch(time.Now())
		if !l.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
