package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Job 写入 Redis 队列的投递任务
type Job struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Raw      []byte    `json:"raw"`
	QueuedAt time.Time `json:"queuedAt"`
}

// ListPusher go-redis 客户端中入队所需的方法
type ListPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
}

// RedisQueue 将投递任务以 JSON 追加到 Redis 列表，由独立的投递进程消费
type RedisQueue struct {
	client ListPusher
	queue  string
	now    func() time.Time
}

// NewRedisQueue 创建 Redis 投递队列
func NewRedisQueue(client ListPusher, queue string) *RedisQueue {
	return &RedisQueue{client: client, queue: queue, now: time.Now}
}

func (q *RedisQueue) Name() string { return "redis" }

func (q *RedisQueue) Dispatch(ctx context.Context, env Envelope, raw []byte) error {
	if err := validate(env, raw); err != nil {
		return err
	}

	payload, err := json.Marshal(Job{
		ID:       uuid.NewString(),
		From:     env.From,
		To:       env.To,
		Raw:      raw,
		QueuedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	if err := q.client.RPush(ctx, q.queue, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.queue, err)
	}
	return nil
}
