package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Cache with lazy expiry.
type Memory struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{m: map[string]memEntry{}, now: time.Now}
}

// NewMemoryAt allows tests to pin the clock.
func NewMemoryAt(now func() time.Time) *Memory {
	return &Memory{m: map[string]memEntry{}, now: now}
}

func (c *Memory) live(e memEntry) bool {
	return e.expiresAt.IsZero() || c.now().Before(e.expiresAt)
}

func (c *Memory) PutIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[key]; ok && c.live(e) {
		return false, nil
	}
	c.m[key] = memEntry{expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *Memory) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || !c.live(e) {
		delete(c.m, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.m[key] = memEntry{value: value, expiresAt: exp}
	return nil
}

func (c *Memory) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.m, k)
	}
	return nil
}
