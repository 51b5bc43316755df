package counterstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gatekeeper/internal/models"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/rueidisotel"
)

var rueidisIncrementScript = rueidis.NewLuaScript(incrementScript)

// RueidisBackend is a rueidis implementation of Backend.
type RueidisBackend struct {
	client    rueidis.Client
	closeOnce sync.Once
}

// NewRueidisBackend creates a rueidis backend. Unlike go-redis, rueidis dials
// during construction and fails when the store is unreachable.
//
// Commands are traced and measured through the global OpenTelemetry
// providers, which are no-ops unless observability is enabled.
func NewRueidisBackend(config models.CounterStoreConfig) (*RueidisBackend, error) {
	client, err := rueidisotel.NewClient(rueidis.ClientOption{
		InitAddress:      []string{config.Addr},
		Password:         config.Password,
		SelectDB:         config.DB,
		BlockingPoolSize: config.PoolSize,
		ConnWriteTimeout: config.Timeout(),
		DisableRetry:     true,
		DisableCache:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("rueidis client: %w", err)
	}
	return NewRueidisBackendFromClient(client), nil
}

// NewRueidisBackendFromClient wraps an existing rueidis client.
func NewRueidisBackendFromClient(client rueidis.Client) *RueidisBackend {
	return &RueidisBackend{client: client}
}

// Increment implements Backend.
func (b *RueidisBackend) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	args := []string{strconv.FormatInt(ttl.Milliseconds(), 10)}
	n, err := rueidisIncrementScript.Exec(ctx, b.client, []string{key}, args).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("rueidis increment %s: %w", key, err)
	}
	return n, nil
}

// Ping implements Backend.
func (b *RueidisBackend) Ping(ctx context.Context) error {
	if err := b.client.Do(ctx, b.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("rueidis ping: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *RueidisBackend) Close() error {
	b.closeOnce.Do(b.client.Close)
	return nil
}
