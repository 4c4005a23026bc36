// Package notify 向用户发送系统通知（流量接近上限、PGP 密钥过期）。
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/dispatch"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/pool"
)

// Notice 一条待发送的通知
type Notice struct {
	Subject string
	Body    string
}

// Service 将通知渲染为纯文本邮件，并在协程池中异步投递
type Service struct {
	dispatcher dispatch.Dispatcher
	pool       *pool.WorkerPool
	cfg        config.MailConfig
	log        *zap.Logger
	now        func() time.Time
}

// NewService 创建通知服务，pool 需由调用方启动与停止
func NewService(d dispatch.Dispatcher, p *pool.WorkerPool, cfg config.MailConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{dispatcher: d, pool: p, cfg: cfg, log: log, now: time.Now}
}

// NearBandwidthLimit 流量接近上限提醒
func (s *Service) NearBandwidthLimit(ctx context.Context, user *domain.User) {
	s.Send(ctx, user, Notice{
		Subject: "You are near your bandwidth limit",
		Body: fmt.Sprintf("Hi %s,\r\n\r\nYou have used %s of your monthly bandwidth allowance. "+
			"Once the limit is reached, incoming mail to your aliases will be deferred until the next billing period.\r\n",
			user.Username, formatBytes(user.Bandwidth)),
	})
}

// KeyExpired PGP 密钥不可用提醒，此时该收件人的加密已被关闭
func (s *Service) KeyExpired(ctx context.Context, user *domain.User, recipient *domain.Recipient) {
	s.Send(ctx, user, Notice{
		Subject: "Your PGP key has expired",
		Body: fmt.Sprintf("Hi %s,\r\n\r\nThe PGP key for %s could not be used for encryption and may have expired. "+
			"Encryption has been disabled for this recipient and mail is being delivered unencrypted. "+
			"Please upload a valid key to turn encryption back on.\r\n",
			user.Username, recipient.Email),
	})
}

// Send 异步发送通知。没有通知地址时忽略。
func (s *Service) Send(ctx context.Context, to domain.Notifiable, n Notice) {
	address := to.NotificationAddress()
	if address == "" {
		return
	}

	s.pool.Submit(func(taskCtx context.Context) {
		if err := s.deliver(taskCtx, address, n); err != nil {
			s.log.Error("failed to send notification",
				zap.String("destination", address),
				zap.String("subject", n.Subject),
				zap.Error(err),
			)
		}
	})
}

// Wait 等待已提交的通知全部发送完毕
func (s *Service) Wait() {
	s.pool.Wait()
}

func (s *Service) deliver(ctx context.Context, address string, n Notice) error {
	raw, err := s.render(address, n)
	if err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, dispatch.Envelope{From: s.cfg.ReturnPath, To: address}, raw)
}

func (s *Service) render(address string, n Notice) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: s.cfg.FromName, Address: s.cfg.FromAddress}})
	h.SetAddressList("To", []*mail.Address{{Address: address}})
	h.SetSubject(n.Subject)
	h.SetMessageID(uuid.NewString() + "@" + s.cfg.RootDomain)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("render notification: %w", err)
	}
	if _, err := io.WriteString(w, n.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
