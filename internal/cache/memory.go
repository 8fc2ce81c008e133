package cache

import (
	"context"
	"errors"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is a bounded in-memory cache implementation using otter. Entry
// lifetime follows the cached token's own expiry (less a safety margin), and
// every read re-checks that expiry so a token is never served after it lapses,
// even when otter has not yet swept the entry.
type Memory[T Expirer] struct {
	cache   *otter.Cache[string, T]
	expiry  tokenExpiry[T]
	counter *stats.Counter
}

// MemoryOption customises a Memory cache.
type MemoryOption[T Expirer] func(*Memory[T])

// WithClock replaces the wall clock used for access-time expiry checks.
func WithClock[T Expirer](now func() time.Time) MemoryOption[T] {
	return func(m *Memory[T]) {
		m.expiry.now = now
	}
}

// NewMemory creates a new in-memory cache holding at most capacity entries.
// Tokens are considered expired margin before their own expiry time.
func NewMemory[T Expirer](capacity int, margin time.Duration, opts ...MemoryOption[T]) (*Memory[T], error) {
	if capacity <= 0 {
		return nil, errors.New("cache capacity must be greater than zero")
	}
	if margin < 0 {
		return nil, errors.New("cache expiry margin must not be negative")
	}

	m := &Memory[T]{
		expiry: tokenExpiry[T]{
			margin: margin,
			now:    time.Now,
		},
		counter: stats.NewCounter(),
	}

	for _, opt := range opts {
		opt(m)
	}

	cache, err := otter.New(&otter.Options[string, T]{
		MaximumSize:      capacity,
		StatsRecorder:    m.counter,
		ExpiryCalculator: m.expiry,
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache

	return m, nil
}

// Get retrieves a token from the cache.
// Returns the token, whether it was found, and any error.
func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	token, ok := m.cache.GetIfPresent(key)
	if !ok {
		return zero, false, nil
	}

	// otter expires lazily between maintenance runs: the token itself is the
	// authority on whether it can still be used. The entry is left for otter
	// to expire, as the key may already hold a newer token.
	if m.expiry.remaining(token) <= 0 {
		return zero, false, nil
	}

	return token, true, nil
}

// Set stores a token in the cache. Tokens that are already inside the expiry
// margin are not stored, and any previous entry for key is removed.
func (m *Memory[T]) Set(ctx context.Context, key string, token T) error {
	if m.expiry.remaining(token) <= 0 {
		m.cache.Invalidate(key)
		return nil
	}

	m.cache.Set(key, token)

	// apply any pending eviction so the size bound holds on return
	m.cache.CleanUp()

	return nil
}

// Invalidate removes a token from the cache.
func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// Len reports the approximate number of entries currently held.
func (m *Memory[T]) Len() int {
	return m.cache.EstimatedSize()
}

// Close discards all entries.
func (m *Memory[T]) Close() error {
	m.cache.InvalidateAll()
	return nil
}

// tokenExpiry is an otter.ExpiryCalculator that derives entry lifetime from
// the cached value. It is consulted on create, update and read, so the
// scheduled expiry always tracks the token actually stored.
type tokenExpiry[T Expirer] struct {
	margin time.Duration
	now    func() time.Time
}

func (e tokenExpiry[T]) remaining(token T) time.Duration {
	return token.ExpiresAt().Add(-e.margin).Sub(e.now())
}

func (e tokenExpiry[T]) ExpireAfterCreate(entry otter.Entry[string, T]) time.Duration {
	return e.remaining(entry.Value)
}

func (e tokenExpiry[T]) ExpireAfterUpdate(entry otter.Entry[string, T], _ T) time.Duration {
	return e.remaining(entry.Value)
}

func (e tokenExpiry[T]) ExpireAfterRead(entry otter.Entry[string, T]) time.Duration {
	return e.remaining(entry.Value)
}
