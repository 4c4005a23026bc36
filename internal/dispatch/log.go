package dispatch

import (
	"context"

	"go.uber.org/zap"
)

// Log 只记录日志不投递，用于开发环境
type Log struct {
	log *zap.Logger
}

// NewLog 创建日志投递通道
func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Dispatch(_ context.Context, env Envelope, raw []byte) error {
	if err := validate(env, raw); err != nil {
		return err
	}
	l.log.Info("outbound message",
		zap.String("from", env.From),
		zap.String("destination", env.To),
		zap.Int("size", len(raw)),
	)
	return nil
}
