package counterstore

import (
	"context"
	"os"
	"testing"
	"time"

	"gatekeeper/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping Redis tests")
	}
	return addr
}

func testStoreConfig(addr string) models.CounterStoreConfig {
	cfg := models.NewDefaultConfig().CounterStore
	cfg.Addr = addr
	cfg.TimeoutMs = 200
	return cfg
}

func assertIncrementWithExpiry(t *testing.T, backend Backend, addr string) {
	t.Helper()
	ctx := context.Background()
	key := "gatekeeper-test:" + uuid.NewString()

	n, err := backend.Increment(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = backend.Increment(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	inspector := redis.NewClient(&redis.Options{Addr: addr})
	defer inspector.Close()

	ttl, err := inspector.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "first increment sets the expiry")
	assert.LessOrEqual(t, ttl, 5*time.Second)
}

func TestRedisBackend_Increment(t *testing.T) {
	addr := getRedisAddr(t)
	backend := NewRedisBackend(testStoreConfig(addr))
	t.Cleanup(func() { backend.Close() })

	require.NoError(t, backend.Ping(context.Background()))
	assertIncrementWithExpiry(t, backend, addr)
}

func TestRueidisBackend_Increment(t *testing.T) {
	addr := getRedisAddr(t)
	backend, err := NewRueidisBackend(testStoreConfig(addr))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	require.NoError(t, backend.Ping(context.Background()))
	assertIncrementWithExpiry(t, backend, addr)
}

func TestRedisBackend_ConnectionRefused(t *testing.T) {
	backend := NewRedisBackend(testStoreConfig("127.0.0.1:1"))
	defer backend.Close()

	c := NewClient(backend, Options{Timeout: 200 * time.Millisecond, MaxRetries: 1, BackoffBase: time.Millisecond})
	res := c.Increment(context.Background(), "k", time.Minute)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err(), ErrUnavailable)
	assert.Equal(t, 2, res.Attempts)
	assert.Less(t, res.Elapsed, c.Deadline()+100*time.Millisecond)
}

func TestRedisBackend_CloseIdempotent(t *testing.T) {
	backend := NewRedisBackend(testStoreConfig("127.0.0.1:1"))
	assert.NoError(t, backend.Close())
	assert.NoError(t, backend.Close())
}

func TestFactory_Create(t *testing.T) {
	f := NewFactory()
	cfg := testStoreConfig("127.0.0.1:1")

	b, err := f.Create(models.RateLimitModeLocal, cfg, models.LocalConfig{CleanupInterval: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)
	b.Close()

	b, err = f.Create(models.RateLimitModeRedis, cfg, models.LocalConfig{})
	require.NoError(t, err)
	assert.IsType(t, &RedisBackend{}, b)
	b.Close()

	cfg.Driver = "memcached"
	_, err = f.Create(models.RateLimitModeRedis, cfg, models.LocalConfig{})
	assert.Error(t, err)

	_, err = f.Create(models.RateLimitModeOff, cfg, models.LocalConfig{})
	assert.Error(t, err)

	assert.Equal(t, []string{"go-redis", "rueidis"}, f.GetSupportedDrivers())
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(models.NewDefaultConfig().CounterStore)
	assert.Equal(t, DefaultOptions(), opts)
}
