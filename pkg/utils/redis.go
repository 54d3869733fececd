package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig is the client side of the optional checkout cap.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// PoolSize bounds connections; the cap issues two short scripts per checkout.
	PoolSize    int
	PingTimeout time.Duration
}

// OpenRedis connects and pings once so a bad REDIS_HOST fails at boot.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

const checkoutSlotPrefix = "reseller:checkout:inflight:"

// CheckoutSlotKey is the counter holding a user's in-flight checkouts.
func CheckoutSlotKey(userID string) string { return checkoutSlotPrefix + userID }

var ErrSlotArgs = errors.New("checkout slot: invalid arguments")

// KEYS[1] counter, ARGV[1] limit, ARGV[2] ttl ms. Returns 1 when a slot was taken.
var takeSlot = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// KEYS[1] counter. Never drives the counter below zero.
var giveSlot = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 1 then
  redis.call('DEL', KEYS[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// AcquireCheckoutSlot takes one of limit slots under key. The ttl is refreshed on
// every take, so slots leaked by a crashed replica expire after the last checkout.
func AcquireCheckoutSlot(ctx context.Context, rdb redis.Scripter, key string, limit int, ttl time.Duration) (bool, error) {
	if rdb == nil || key == "" || limit <= 0 || ttl <= 0 {
		return false, ErrSlotArgs
	}
	n, err := takeSlot.Run(ctx, rdb, []string{key}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("take checkout slot: %w", err)
	}
	return n == 1, nil
}

// ReleaseCheckoutSlot returns a slot taken by AcquireCheckoutSlot.
func ReleaseCheckoutSlot(ctx context.Context, rdb redis.Scripter, key string) error {
	if rdb == nil || key == "" {
		return ErrSlotArgs
	}
	if err := giveSlot.Run(ctx, rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("release checkout slot: %w", err)
	}
	return nil
}
