package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// incrementScript 自增并只在首次创建时设置过期时间，保证窗口固定
var incrementScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Increment 原子自增计数器
func (c *Client) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrementScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64()
}

// SetIfAbsent 仅当键不存在时写入标记（SET NX PX）
func (c *Client) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, 1, ttl).Result()
}
