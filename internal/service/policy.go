package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage"
)

const (
	rateLimitWindow    = time.Hour
	nearLimitMarkerTTL = 24 * time.Hour
	newAliasWindow     = time.Hour
)

// Notifier 向用户发送系统通知
type Notifier interface {
	NearBandwidthLimit(ctx context.Context, user *domain.User)
	KeyExpired(ctx context.Context, user *domain.User, recipient *domain.Recipient)
}

// PolicyGate 在任何别名变更之前执行流量、发送频率与新建别名限制。
type PolicyGate struct {
	users    storage.UserRepository
	aliases  storage.AliasRepository
	counters storage.CounterStore
	markers  storage.MarkerStore
	notifier Notifier
	cfg      config.MailConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewPolicyGate 创建策略检查器
func NewPolicyGate(
	users storage.UserRepository,
	aliases storage.AliasRepository,
	counters storage.CounterStore,
	markers storage.MarkerStore,
	notifier Notifier,
	cfg config.MailConfig,
	log *zap.Logger,
) *PolicyGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &PolicyGate{
		users:    users,
		aliases:  aliases,
		counters: counters,
		markers:  markers,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// SetClock 替换时间源，仅用于测试。
func (g *PolicyGate) SetClock(now func() time.Time) { g.now = now }

func (g *PolicyGate) bandwidthLimit(user *domain.User) int64 {
	if user.BandwidthLimit > 0 {
		return user.BandwidthLimit
	}
	return g.cfg.BandwidthLimit
}

func (g *PolicyGate) sendLimit(user *domain.User) int {
	if user.SendLimit > 0 {
		return user.SendLimit
	}
	return g.cfg.SendLimit
}

func (g *PolicyGate) newAliasLimit(user *domain.User) int {
	if user.AliasesPerHour > 0 {
		return user.AliasesPerHour
	}
	return g.cfg.NewAliasHourlyLimit
}

// CheckBandwidth 流量达到上限时返回 ErrBandwidthExceeded；
// 接近上限且 24 小时内未提醒过时发送提醒。
func (g *PolicyGate) CheckBandwidth(ctx context.Context, user *domain.User) error {
	limit := g.bandwidthLimit(user)
	if limit <= 0 {
		return nil
	}
	if user.Bandwidth >= limit {
		return domain.ErrBandwidthExceeded
	}
	if user.Bandwidth < limit-g.cfg.BandwidthWarningMargin {
		return nil
	}

	key := fmt.Sprintf("user:%s:near-bandwidth-limit", user.ID)
	set, err := g.markers.SetIfAbsent(ctx, key, nearLimitMarkerTTL)
	if err != nil {
		// 提醒失败不影响投递
		g.log.Warn("failed to set near bandwidth marker", zap.String("user_id", user.ID), zap.Error(err))
		return nil
	}
	if set && g.notifier != nil {
		g.notifier.NearBandwidthLimit(ctx, user)
	}
	return nil
}

// CheckRateLimit 计数器在固定的一小时窗口内原子自增，超过上限返回 ErrRateLimited
func (g *PolicyGate) CheckRateLimit(ctx context.Context, user *domain.User) error {
	key := fmt.Sprintf("user:%s:limit:emails", user.ID)
	n, err := g.counters.Increment(ctx, key, rateLimitWindow)
	if err != nil {
		return fmt.Errorf("increment rate limit: %w", err)
	}
	if n > int64(g.sendLimit(user)) {
		return domain.ErrRateLimited
	}
	return nil
}

// CheckNewAliasLimit 过去一小时内新建别名数已达上限时返回 ErrNewAliasLimit
func (g *PolicyGate) CheckNewAliasLimit(ctx context.Context, user *domain.User) error {
	limit := g.newAliasLimit(user)
	if limit <= 0 {
		return nil
	}
	n, err := g.aliases.CountAliasesCreatedSince(ctx, user.ID, g.now().Add(-newAliasWindow))
	if err != nil {
		return fmt.Errorf("count new aliases: %w", err)
	}
	if n >= int64(limit) {
		return domain.ErrNewAliasLimit
	}
	return nil
}

// ChargeBandwidth 为一次投递累加用户流量
func (g *PolicyGate) ChargeBandwidth(ctx context.Context, user *domain.User, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if err := g.users.AddBandwidth(ctx, user.ID, bytes); err != nil {
		return fmt.Errorf("charge bandwidth: %w", err)
	}
	user.Bandwidth += bytes
	return nil
}

// SplitSize 将声明的邮件大小平均分摊到真实收件人（不含退订地址），除数至少为 1
func SplitSize(declared int64, genuineRecipients int) int64 {
	if genuineRecipients < 1 {
		genuineRecipients = 1
	}
	return declared / int64(genuineRecipients)
}
