package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/cache"
)

// windowCache is the slice of the cache the limiter uses.
type windowCache interface {
	SlidingWindowAllow(ctx context.Context, key string, limit int64, window time.Duration) (cache.WindowResult, error)
}

// RateLimiter enforces a Redis-backed sliding window per caller. Keyed by
// the authenticated DID when present, the client IP otherwise, so all broker
// instances share one window. Its keys live under rate:http: so the routing
// pipeline's per-sender window (rate:{did}) counts separately; one send
// consumes one slot in each window, not two in one.
type RateLimiter struct {
	cache  windowCache
	limit  int64
	window time.Duration
	log    *zap.Logger
}

func NewRateLimiter(c windowCache, ratePerMin int, window time.Duration, log *zap.Logger) *RateLimiter {
	if ratePerMin <= 0 {
		ratePerMin = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{cache: c, limit: int64(ratePerMin), window: window, log: log}
}

// Middleware returns a Gin handler that enforces the rate limit. A Redis
// outage degrades to allow with an X-RateLimit-Degraded header rather than
// turning a cache failure into a full outage.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "rate:http:" + c.GetHeader("X-AINP-DID")
		if key == "rate:http:" {
			key = "rate:http:ip:" + c.ClientIP()
		}

		win, err := rl.cache.SlidingWindowAllow(c.Request.Context(), key, rl.limit, rl.window)
		if err != nil {
			rl.log.Warn("rate limiter degraded, allowing", zap.Error(err))
			c.Header("X-RateLimit-Degraded", "true")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(rl.limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(win.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(win.ResetAt, 10))

		if !win.Allowed {
			retry := int((win.ResetAt-time.Now().UnixMilli())/1000) + 1
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":    apperr.CodeRateLimited,
				"message":  "rate limit exceeded",
				"reset_at": win.ResetAt,
			})
			return
		}
		c.Next()
	}
}
