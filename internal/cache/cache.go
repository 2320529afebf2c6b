// Package cache is the short-lived key/value layer backing the signature
// nonce window and the seconds-scale status read cache. Redis in production,
// an in-process TTL map in dev and tests.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	// PutIfAbsent stores key with ttl and returns true, or returns false if
	// the key is already present and unexpired.
	PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
