package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// nextMonth 返回 t 所在月份之后下一个月第一天的零点（UTC）
func nextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// RunBandwidthReset 每个自然月开始时清零所有用户的流量，直到 ctx 取消
func (a *App) RunBandwidthReset(ctx context.Context) error {
	for {
		wait := time.Until(nextMonth(time.Now()))
		a.Log.Info("next bandwidth reset scheduled", zap.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		n, err := a.Store.ResetBandwidth(ctx)
		if err != nil {
			a.Log.Error("failed to reset bandwidth", zap.Error(err))
			continue
		}
		a.Log.Info("monthly bandwidth reset", zap.Int64("users", n))
	}
}
