package counterstore

import (
	"context"
	"sync"
	"time"
)

// counter holds a window count and the time it expires.
type counter struct {
	value     int64
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend used by RATE_LIMIT_MODE=local. Each
// gateway instance counts on its own, so limits are per instance. A background
// goroutine periodically evicts expired counters.
type MemoryBackend struct {
	cleanupInterval time.Duration
	now             func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
	done     chan struct{}
	closed   bool
}

// NewMemoryBackend creates an in-process backend and starts its janitor.
func NewMemoryBackend(cleanupInterval time.Duration) *MemoryBackend {
	return newMemoryBackend(cleanupInterval, time.Now)
}

func newMemoryBackend(cleanupInterval time.Duration, now func() time.Time) *MemoryBackend {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &MemoryBackend{
		cleanupInterval: cleanupInterval,
		now:             now,
		counters:        make(map[string]*counter),
		done:            make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Increment implements Backend. An expired counter restarts at 1.
func (m *MemoryBackend) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.counters[key]
	if !exists || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(ttl)}
		m.counters[key] = c
	}
	c.value++
	return c.value, nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

// Len returns the number of live counters.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// Close stops the background cleanup goroutine.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *MemoryBackend) cleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryBackend) evictExpired() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, key)
		}
	}
}
