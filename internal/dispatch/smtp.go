package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// SMTPRelay 通过 SMTP 将邮件交给本机 MTA，由 MTA 负责排队与重试
type SMTPRelay struct {
	addr      string
	localName string
	timeout   time.Duration
	log       *zap.Logger
}

// NewSMTPRelay 创建 SMTP 中继投递通道
func NewSMTPRelay(addr string, log *zap.Logger) *SMTPRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPRelay{addr: addr, localName: "localhost", timeout: 30 * time.Second, log: log}
}

func (r *SMTPRelay) Name() string { return "smtp" }

func (r *SMTPRelay) Dispatch(ctx context.Context, env Envelope, raw []byte) error {
	if err := validate(env, raw); err != nil {
		return err
	}

	c, err := gosmtp.Dial(r.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.addr, err)
	}
	defer c.Close()

	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.CommandTimeout = time.Until(deadline)
	c.SubmissionTimeout = time.Until(deadline)

	if err := c.Hello(r.localName); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if err := c.SendMail(env.From, []string{env.To}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	if err := c.Quit(); err != nil {
		r.log.Debug("smtp quit failed", zap.Error(err))
	}
	return nil
}
