package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"proxy-reseller/internal/auth"
	"proxy-reseller/pkg/logger"
	"proxy-reseller/pkg/utils"
)

// Limiter bounds concurrent work per key.
type Limiter interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLimiter shares the cap across API replicas.
type RedisLimiter struct {
	rdb   redis.Scripter
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb redis.Scripter, limit int, ttl time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string) (bool, error) {
	return utils.AcquireCheckoutSlot(ctx, l.rdb, key, l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	return utils.ReleaseCheckoutSlot(ctx, l.rdb, key)
}

// CheckoutCap rejects a checkout while the caller already has too many in flight.
// A limiter outage lets the request through: the cap sheds load, the store keeps money and stock correct.
func CheckoutCap(l Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		uid, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.Next()
			return
		}
		key := utils.CheckoutSlotKey(uid)

		ok, err := l.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.FromGin(c).WarnContext(c.Request.Context(), "checkout cap unavailable", "err", err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "too_many_checkouts",
				"message": "another checkout is still running",
			})
			return
		}
		defer func() {
			// The request context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := l.Release(ctx, key); err != nil {
				logger.FromGin(c).WarnContext(ctx, "checkout cap release failed", "err", err)
			}
		}()
		c.Next()
	}
}
