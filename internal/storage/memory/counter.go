package memory

import (
	"context"
	"sync"
	"time"
)

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// Counters 进程内的计数器与标记实现，仅适用于单进程或测试场景
type Counters struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	markers map[string]time.Time
	cleanup time.Time // 下次清理过期条目的时间
	now     func() time.Time
}

// NewCounters 创建进程内计数器
func NewCounters() *Counters {
	return &Counters{
		entries: make(map[string]*rateLimitEntry),
		markers: make(map[string]time.Time),
		cleanup: time.Now().Add(5 * time.Minute),
		now:     time.Now,
	}
}

// SetClock 替换时间源，仅用于测试。
func (c *Counters) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Increment 增加计数，首次创建时设置固定过期时间
func (c *Counters) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.cleanupLocked(now)

	entry, exists := c.entries[key]
	if !exists || !now.Before(entry.ExpiresAt) {
		c.entries[key] = &rateLimitEntry{Count: 1, ExpiresAt: now.Add(window)}
		return 1, nil
	}

	entry.Count++
	return entry.Count, nil
}

// SetIfAbsent 仅当标记不存在或已过期时写入
func (c *Counters) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.cleanupLocked(now)

	if expiresAt, ok := c.markers[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	c.markers[key] = now.Add(ttl)
	return true, nil
}

// 每 5 分钟清理一次过期条目
func (c *Counters) cleanupLocked(now time.Time) {
	if now.Before(c.cleanup) {
		return
	}
	for k, v := range c.entries {
		if !now.Before(v.ExpiresAt) {
			delete(c.entries, k)
		}
	}
	for k, v := range c.markers {
		if !now.Before(v) {
			delete(c.markers, k)
		}
	}
	c.cleanup = now.Add(5 * time.Minute)
}
