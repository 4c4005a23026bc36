// Package dispatch 将组装好的外发邮件交给投递通道。
//
// 路由流程只负责入队，重试、排序与最终投递由下游通道处理。
package dispatch

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"aliasrelay/backend/internal/config"
)

// ErrEmptyMessage 原始邮件为空
var ErrEmptyMessage = errors.New("empty outbound message")

// Envelope 外发邮件的信封
type Envelope struct {
	From string // 退信地址
	To   string
}

// Dispatcher 接收完整的外发邮件并交付投递
type Dispatcher interface {
	Dispatch(ctx context.Context, env Envelope, raw []byte) error
	Name() string
}

// New 根据配置选择投递通道。redis 驱动需要已连接的客户端。
func New(ctx context.Context, cfg config.DispatchConfig, rdb *goredis.Client, log *zap.Logger) (Dispatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}

	switch cfg.Driver {
	case "redis":
		if rdb == nil {
			return nil, errors.New("dispatch: redis driver requires a redis client")
		}
		return NewRedisQueue(rdb, cfg.Queue), nil
	case "smtp":
		return NewSMTPRelay(cfg.SMTPAddr, log), nil
	case "ses":
		return NewSES(ctx, SESConfig{
			Region:          cfg.SESRegion,
			AccessKeyID:     cfg.SESAccessKeyID,
			SecretAccessKey: cfg.SESSecretAccessKey,
		}, log)
	case "log", "":
		return NewLog(log), nil
	default:
		return nil, fmt.Errorf("dispatch: unknown driver %q", cfg.Driver)
	}
}

func validate(env Envelope, raw []byte) error {
	if len(raw) == 0 {
		return ErrEmptyMessage
	}
	if env.To == "" {
		return errors.New("dispatch: empty destination")
	}
	return nil
}
