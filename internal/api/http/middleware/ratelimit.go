package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 4096
	clientIdleTTL     = 10 * time.Minute
)

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RateLimit applies a token bucket per client IP. A non-positive rate
// disables limiting.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limiters := expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, clientIdleTTL)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter, ok := limiters.Get(ip)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
			limiters.Add(ip, limiter)
		}

		if !limiter.Allow() {
			slog.Warn("Rate limit exceeded", "path", c.Request.URL.Path, "client_ip", ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}
