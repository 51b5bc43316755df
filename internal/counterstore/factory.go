package counterstore

import (
	"fmt"

	"gatekeeper/internal/models"
)

// Factory creates the Backend selected by the rate limit mode and, in redis
// mode, the configured driver.
type Factory struct{}

// NewFactory creates a new counter store factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a backend for the given mode.
// Supported combinations:
//   - redis + go-redis: RedisBackend (default)
//   - redis + rueidis: RueidisBackend
//   - local: MemoryBackend
//
// Mode off has no backend; callers must not ask for one.
func (f *Factory) Create(mode string, config models.CounterStoreConfig, local models.LocalConfig) (Backend, error) {
	switch mode {
	case models.RateLimitModeRedis:
		switch config.Driver {
		case models.CounterStoreDriverGoRedis, "":
			return NewRedisBackend(config), nil
		case models.CounterStoreDriverRueidis:
			return NewRueidisBackend(config)
		default:
			return nil, fmt.Errorf("unsupported counter store driver: %s", config.Driver)
		}
	case models.RateLimitModeLocal:
		return NewMemoryBackend(local.CleanupInterval), nil
	default:
		return nil, fmt.Errorf("no counter store for rate limit mode: %s", mode)
	}
}

// GetSupportedDrivers returns the redis drivers Create understands.
func (f *Factory) GetSupportedDrivers() []string {
	return []string{models.CounterStoreDriverGoRedis, models.CounterStoreDriverRueidis}
}

// OptionsFromConfig converts the configured failure budget to client Options.
func OptionsFromConfig(config models.CounterStoreConfig) Options {
	return Options{
		Timeout:     config.Timeout(),
		MaxRetries:  config.MaxRetries,
		BackoffBase: config.BackoffBase(),
		BackoffCap:  config.BackoffCap(),
	}
}
