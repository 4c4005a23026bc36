// Package router 实现入站邮件的逐收件人路由：身份解析、策略检查、
// 意图分类、别名变更、外发邮件组装与投递。
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/dispatch"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/message"
	"aliasrelay/backend/internal/monitoring"
	"aliasrelay/backend/internal/outbound"
	"aliasrelay/backend/internal/service"
	"aliasrelay/backend/internal/storage"
)

var (
	errSharedDomainSend = errors.New("shared domain aliases cannot be created by sending")
	errCatchAllDisabled = errors.New("catch-all disabled")
)

// Request 一封入站邮件及其信封
type Request struct {
	Sender     string
	Recipients []domain.EnvelopeRecipient
	Size       int64 // 声明的邮件大小，0 表示使用原始邮件长度
	Raw        []byte
}

// Options 路由器依赖
type Options struct {
	Mail       config.MailConfig
	Users      storage.UserRepository
	Resolver   *service.Resolver
	Policy     *service.PolicyGate
	Aliases    *service.AliasRegistry
	Recipients *service.RecipientService
	Builder    *outbound.Builder
	Dispatcher dispatch.Dispatcher
	Notifier   service.Notifier
	Metrics    *monitoring.Metrics
	Logger     *zap.Logger
}

// Router 入站邮件路由器。每个收件人按顺序处理，任一收件人出现致命错误即终止。
type Router struct {
	opts    Options
	domains service.Domains
	log     *zap.Logger
}

// New 创建路由器
func New(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{opts: opts, domains: service.NewDomains(opts.Mail), log: log}
}

// Route 处理一封入站邮件，返回唯一的结果值
func (r *Router) Route(ctx context.Context, req Request) domain.Result {
	start := time.Now()
	defer func() {
		if m := r.opts.Metrics; m != nil {
			m.RecordProcessingTime(time.Since(start))
		}
	}()

	sender := strings.ToLower(strings.Trim(strings.TrimSpace(req.Sender), "<>"))
	if r.isSelf(sender) {
		r.log.Debug("ignoring self-originated message", zap.String("sender", sender))
		return r.skip("loop", "sender %s is this service", sender)
	}
	if isBounceSender(sender) {
		r.log.Debug("ignoring bounce", zap.String("sender", sender))
		return r.skip("bounce", "bounce message from %q", sender)
	}

	email, err := message.Parse(req.Raw, sender)
	if err != nil {
		return domain.Fatal(fmt.Errorf("parse message: %w", err))
	}
	size := req.Size
	if size <= 0 {
		size = int64(len(req.Raw))
	}
	share := service.SplitSize(size, r.genuineCount(req.Recipients))

	for _, rcpt := range req.Recipients {
		if err := r.routeOne(ctx, sender, rcpt, email, share); err != nil {
			r.log.Error("routing aborted",
				zap.String("recipient", rcpt.Address),
				zap.Error(err),
			)
			return domain.Fatal(err)
		}
	}
	return domain.Success()
}

// isSelf 发件人是本服务的发信地址或退信地址
func (r *Router) isSelf(sender string) bool {
	return sender != "" && (strings.EqualFold(sender, r.opts.Mail.FromAddress) || strings.EqualFold(sender, r.opts.Mail.ReturnPath))
}

// genuineCount 不含退订地址的收件人数
func (r *Router) genuineCount(rcpts []domain.EnvelopeRecipient) int {
	n := 0
	for _, rcpt := range rcpts {
		if label, ok := r.domains.RootLabel(rcpt.Domain); ok && label == domain.UnsubscribeLabel {
			continue
		}
		n++
	}
	return n
}

func (r *Router) routeOne(ctx context.Context, sender string, rcpt domain.EnvelopeRecipient, email *domain.EmailData, share int64) error {
	log := r.log.With(zap.String("recipient", rcpt.Address))

	id, err := r.opts.Resolver.Resolve(ctx, rcpt)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", rcpt.Address, err)
	}
	if id == nil {
		log.Info("recipient not owned by this instance")
		r.recordSkip("unresolved")
		return nil
	}
	if id.Unsubscribe {
		return r.unsubscribe(ctx, log, sender, rcpt)
	}

	user := id.User
	log = log.With(zap.String("user_id", user.ID))

	if err := r.opts.Policy.CheckBandwidth(ctx, user); err != nil {
		return r.policyFailure(err)
	}
	if err := r.opts.Policy.CheckRateLimit(ctx, user); err != nil {
		return r.policyFailure(err)
	}

	senderVerified := false
	if _, ok := rcpt.DecodedExtension(); ok {
		senderVerified, err = r.opts.Recipients.IsVerifiedSender(ctx, user, sender)
		if err != nil {
			return err
		}
	}

	decision := Classify(id, rcpt, email, senderVerified)
	log = log.With(zap.String("intent", string(decision.Intent)))

	var handled bool
	switch decision.Intent {
	case IntentReply:
		handled, err = r.reply(ctx, log, id, rcpt, email, decision.Destination)
	case IntentSendFrom:
		handled, err = r.sendFrom(ctx, log, id, rcpt, email, decision.Destination)
	default:
		handled, err = r.forward(ctx, log, id, rcpt, email)
	}
	if err != nil {
		return err
	}
	if !handled {
		return nil
	}

	r.recordRouted(decision.Intent)
	if err := r.opts.Policy.ChargeBandwidth(ctx, user, share); err != nil {
		return err
	}
	if m := r.opts.Metrics; m != nil {
		m.RecordBandwidth(share)
	}
	return nil
}

// unsubscribe 发件人是别名所属用户的已验证收件人时停用别名
func (r *Router) unsubscribe(ctx context.Context, log *zap.Logger, sender string, rcpt domain.EnvelopeRecipient) error {
	alias, err := r.opts.Aliases.Get(ctx, rcpt.LocalPart)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("unsubscribe target not found")
		r.recordSkip("unsubscribe_unknown_alias")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load alias: %w", err)
	}

	user, err := r.opts.Users.GetUserByID(ctx, alias.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		r.recordSkip("unsubscribe_unknown_alias")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load alias owner: %w", err)
	}

	verified, err := r.opts.Recipients.IsVerifiedSender(ctx, user, sender)
	if err != nil {
		return err
	}
	if !verified {
		log.Info("unsubscribe from unverified sender ignored", zap.String("alias_id", alias.ID))
		r.recordSkip("unverified_sender")
		return nil
	}

	if err := r.opts.Aliases.Deactivate(ctx, alias.ID); err != nil {
		return fmt.Errorf("deactivate alias: %w", err)
	}
	log.Info("alias deactivated", zap.String("alias_id", alias.ID), zap.String("user_id", user.ID))
	r.recordRouted(IntentUnsubscribe)
	if m := r.opts.Metrics; m != nil {
		m.RecordAliasDeactivated("mail")
	}
	return nil
}

// reply 通过已存在的别名回复外部地址，不创建别名
func (r *Router) reply(ctx context.Context, log *zap.Logger, id *service.Identity, rcpt domain.EnvelopeRecipient, email *domain.EmailData, destination string) (bool, error) {
	alias := id.Alias
	if alias == nil {
		found, err := r.opts.Aliases.Lookup(ctx, domain.AliasKey{UserID: id.User.ID, LocalPart: rcpt.LocalPart, Domain: rcpt.Domain})
		if errors.Is(err, storage.ErrNotFound) {
			log.Info("reply alias not found")
			r.recordSkip("reply_unknown_alias")
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("lookup alias: %w", err)
		}
		alias = found
	}

	msg, err := r.opts.Builder.BuildToExternal(ctx, r.buildRequest(alias, id, email), destination)
	if err != nil {
		return false, err
	}
	if err := r.dispatch(ctx, log, msg); err != nil {
		return false, err
	}
	r.incrementCounter(ctx, log, alias.ID, domain.CounterReplied)
	return true, nil
}

// sendFrom 以别名身份向外部地址发信，必要时创建别名
func (r *Router) sendFrom(ctx context.Context, log *zap.Logger, id *service.Identity, rcpt domain.EnvelopeRecipient, email *domain.EmailData, destination string) (bool, error) {
	if id.Aliasable != nil && !id.Aliasable.IsActive() {
		r.recordSkip("aliasable_inactive")
		return false, nil
	}

	alias := id.Alias
	if alias == nil {
		spec := service.AliasSpec{User: id.User, Aliasable: id.Aliasable, LocalPart: rcpt.LocalPart, Domain: rcpt.Domain}
		found, created, err := r.opts.Aliases.FindOrCreate(ctx, spec, func(context.Context) error {
			if r.domains.IsShared(rcpt.Domain) {
				return errSharedDomainSend
			}
			if id.Aliasable != nil && !id.Aliasable.AllowsCatchAll() {
				return errCatchAllDisabled
			}
			return nil
		})
		switch {
		case errors.Is(err, errSharedDomainSend):
			log.Info("refusing to create shared domain alias for sending")
			r.recordSkip("shared_domain_send")
			return false, nil
		case errors.Is(err, errCatchAllDisabled):
			r.recordSkip("catch_all_disabled")
			return false, nil
		case err != nil:
			return false, err
		}
		if created {
			r.aliasCreated(log, found)
		}
		alias = found
	}

	msg, err := r.opts.Builder.BuildToExternal(ctx, r.buildRequest(alias, id, email), destination)
	if err != nil {
		return false, err
	}
	if err := r.dispatch(ctx, log, msg); err != nil {
		return false, err
	}
	r.incrementCounter(ctx, log, alias.ID, domain.CounterSent)
	return true, nil
}

// forward 将邮件转发给别名的已验证收件人（或默认收件人）
func (r *Router) forward(ctx context.Context, log *zap.Logger, id *service.Identity, rcpt domain.EnvelopeRecipient, email *domain.EmailData) (bool, error) {
	user := id.User
	if id.Aliasable != nil && !id.Aliasable.IsActive() {
		log.Info("aliasable owner inactive")
		r.recordSkip("aliasable_inactive")
		return false, nil
	}

	alias := id.Alias
	if alias == nil {
		spec := service.AliasSpec{
			User:      user,
			Aliasable: id.Aliasable,
			LocalPart: rcpt.LocalPart,
			Extension: rcpt.Extension,
			Domain:    rcpt.Domain,
		}
		found, created, err := r.opts.Aliases.FindOrCreate(ctx, spec, func(ctx context.Context) error {
			if id.Aliasable != nil && !id.Aliasable.AllowsCatchAll() {
				return errCatchAllDisabled
			}
			return r.opts.Policy.CheckNewAliasLimit(ctx, user)
		})
		switch {
		case errors.Is(err, errCatchAllDisabled):
			log.Info("catch-all disabled, alias not created")
			r.recordSkip("catch_all_disabled")
			return false, nil
		case errors.Is(err, domain.ErrNewAliasLimit):
			return false, r.policyFailure(err)
		case err != nil:
			return false, err
		}
		if created {
			r.aliasCreated(log, found)
			// 扩展中的收件人下标只在别名创建时生效，之后以用户的设置为准
			if found.Extension != "" {
				if err := r.opts.Aliases.SyncRecipientsFromExtension(ctx, found); err != nil {
					return false, err
				}
			}
		}
		alias = found
	}
	log = log.With(zap.String("alias_id", alias.ID))

	if !alias.Active {
		log.Info("alias deactivated, message blocked")
		r.incrementCounter(ctx, log, alias.ID, domain.CounterBlocked)
		r.recordSkip("alias_inactive")
		return false, nil
	}

	destinations, err := r.opts.Aliases.VerifiedRecipientsOrDefault(ctx, alias, user, id.Aliasable)
	if err != nil {
		return false, err
	}
	if len(destinations) == 0 {
		log.Warn("no verified recipients to forward to")
		r.recordSkip("no_recipients")
		return false, nil
	}

	req := r.buildRequest(alias, id, email)
	for i := range destinations {
		dest := &destinations[i]
		msg, err := r.opts.Builder.BuildForward(ctx, req, *dest)
		if err != nil {
			return false, err
		}
		if msg.EncryptionErr != nil {
			r.degradeEncryption(ctx, log, user, dest)
		}
		if err := r.dispatch(ctx, log, msg); err != nil {
			return false, err
		}
	}
	r.incrementCounter(ctx, log, alias.ID, domain.CounterForwarded)
	return true, nil
}

// degradeEncryption 收件人密钥不可用：持久关闭加密并异步通知用户，邮件以明文继续投递
func (r *Router) degradeEncryption(ctx context.Context, log *zap.Logger, user *domain.User, rcpt *domain.Recipient) {
	if m := r.opts.Metrics; m != nil {
		m.RecordDegradedEncryption()
	}
	if err := r.opts.Recipients.DisableEncryption(ctx, rcpt); err != nil {
		log.Error("failed to disable encryption", zap.String("recipient_id", rcpt.ID), zap.Error(err))
	}
	if r.opts.Notifier != nil {
		r.opts.Notifier.KeyExpired(ctx, user, rcpt)
	}
}

func (r *Router) buildRequest(alias *domain.Alias, id *service.Identity, email *domain.EmailData) outbound.Request {
	return outbound.Request{Alias: alias, User: id.User, Aliasable: id.Aliasable, Email: email}
}

func (r *Router) dispatch(ctx context.Context, log *zap.Logger, msg *outbound.Message) error {
	if m := r.opts.Metrics; m != nil {
		m.RecordSigner(string(msg.Signer))
	}
	err := r.opts.Dispatcher.Dispatch(ctx, dispatch.Envelope{From: msg.From, To: msg.To}, msg.Raw)
	if err != nil {
		if m := r.opts.Metrics; m != nil {
			m.RecordDispatchError(r.opts.Dispatcher.Name())
		}
		return fmt.Errorf("dispatch to %s: %w", msg.To, err)
	}
	log.Info("message dispatched",
		zap.String("destination", msg.To),
		zap.String("signer", string(msg.Signer)),
	)
	return nil
}

// incrementCounter 统计失败只记录日志
func (r *Router) incrementCounter(ctx context.Context, log *zap.Logger, aliasID string, counter domain.AliasCounter) {
	if err := r.opts.Aliases.IncrementCounter(ctx, aliasID, counter); err != nil {
		log.Warn("failed to increment alias counter",
			zap.String("alias_id", aliasID),
			zap.String("counter", string(counter)),
			zap.Error(err),
		)
	}
}

func (r *Router) aliasCreated(log *zap.Logger, alias *domain.Alias) {
	log.Info("alias created", zap.String("alias_id", alias.ID))
	if m := r.opts.Metrics; m != nil {
		m.RecordAliasCreated()
	}
}

func (r *Router) policyFailure(err error) error {
	if m := r.opts.Metrics; m != nil {
		switch {
		case errors.Is(err, domain.ErrBandwidthExceeded):
			m.RecordPolicyRejection("bandwidth")
		case errors.Is(err, domain.ErrRateLimited):
			m.RecordPolicyRejection("rate_limit")
		case errors.Is(err, domain.ErrNewAliasLimit):
			m.RecordPolicyRejection("new_alias_limit")
		}
	}
	return err
}

func (r *Router) recordRouted(intent Intent) {
	if m := r.opts.Metrics; m != nil {
		m.RecordRouted(string(intent))
	}
}

func (r *Router) recordSkip(reason string) {
	if m := r.opts.Metrics; m != nil {
		m.RecordSkipped(reason)
	}
}

func (r *Router) skip(reason, format string, args ...any) domain.Result {
	r.recordSkip(reason)
	return domain.Skip(format, args...)
}

