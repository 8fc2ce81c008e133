package cache

import (
	"context"
	"time"
)

// TokenCache stores credentials by key. Implementations must never return an
// entry whose token has expired: a miss is reported instead.
type TokenCache[T Expirer] interface {
	// Get retrieves a token from the cache. A missing or expired entry is
	// reported as found=false with a nil error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set inserts or replaces the token for key.
	Set(ctx context.Context, key string, token T) error

	// Invalidate removes a token from the cache, typically because a call
	// made with it was rejected.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}

// Expirer is implemented by values that carry their own absolute expiry.
// The cache derives entry lifetime from it rather than from insertion time.
type Expirer interface {
	ExpiresAt() time.Time
}

// Digester provides a content digest for cache key namespacing.
// When configuration changes, the digest changes, effectively
// invalidating all cached tokens from the old configuration.
type Digester interface {
	Digest() string
}
