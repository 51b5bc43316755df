package counterstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gatekeeper/internal/models"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments KEYS[1] and sets its expiry to ARGV[1]
// milliseconds when the key has none, so a window never outlives its duration
// even if it only ever sees one request.
const incrementScript = `
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

var redisIncrementScript = redis.NewScript(incrementScript)

// RedisBackend is a go-redis implementation of Backend.
type RedisBackend struct {
	client redis.UniversalClient

	closeOnce sync.Once
	closeErr  error
}

// NewRedisBackend creates a go-redis backend. Connections are established
// lazily, so an unreachable store does not prevent startup.
//
// The driver's own retries are disabled: the Client owns the retry budget.
func NewRedisBackend(config models.CounterStoreConfig) *RedisBackend {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:                 []string{config.Addr},
		Password:              config.Password,
		DB:                    config.DB,
		PoolSize:              config.PoolSize,
		MaxRetries:            -1,
		DialTimeout:           config.Timeout(),
		ReadTimeout:           config.Timeout(),
		WriteTimeout:          config.Timeout(),
		ContextTimeoutEnabled: true,
	})
	return NewRedisBackendFromClient(client)
}

// NewRedisBackendFromClient wraps an existing go-redis client.
func NewRedisBackendFromClient(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Increment implements Backend.
func (b *RedisBackend) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := redisIncrementScript.Run(ctx, b.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", key, err)
	}
	return n, nil
}

// Ping implements Backend.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases Redis resources. It is idempotent.
func (b *RedisBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.client.Close()
	})
	return b.closeErr
}
