package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	count    int64
	expireAt time.Time
}

// MemoryCounter 是 Counter 的进程内实现，供测试与未配置 Redis 的单机部署使用。
type MemoryCounter struct {
	mu  sync.Mutex
	m   map[string]*memEntry
	now func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{m: make(map[string]*memEntry), now: time.Now}
}

func (c *MemoryCounter) get(key string) *memEntry {
	e, ok := c.m[key]
	if ok && !e.expireAt.IsZero() && c.now().After(e.expireAt) {
		delete(c.m, key)
		ok = false
	}
	if !ok {
		e = &memEntry{}
		c.m[key] = e
	}
	return e
}

func (c *MemoryCounter) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(key)
	e.count++
	return e.count, nil
}

func (c *MemoryCounter) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(key).expireAt = c.now().Add(ttl)
	return nil
}

func (c *MemoryCounter) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || e.expireAt.IsZero() {
		return -1, nil
	}
	return e.expireAt.Sub(c.now()), nil
}
