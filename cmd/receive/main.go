// receive 由 MTA 为每封入站邮件调用一次：按信封收件人路由邮件，
// 在 stdout 输出增强状态码并以退出码告知 MTA 是否需要重试。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"aliasrelay/backend/internal/app"
	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/logger"
	"aliasrelay/backend/internal/router"
)

const (
	stdinSentinel = "-"
	pushJob       = "aliasrelay_receive"
)

var errMessageTooLarge = errors.New("message exceeds maximum size")

// invocation 命令行参数
type invocation struct {
	path       string
	sender     string
	recipients []string
	localParts []string
	extensions []string
	domains    []string
	size       int64
}

func parseArgs(args []string) (*invocation, error) {
	fs := pflag.NewFlagSet("receive", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	inv := &invocation{}
	fs.StringVar(&inv.sender, "sender", "", "envelope sender")
	fs.StringArrayVar(&inv.recipients, "recipient", nil, "envelope recipient (repeatable)")
	fs.StringArrayVar(&inv.localParts, "local_part", nil, "recipient local part (repeatable)")
	fs.StringArrayVar(&inv.extensions, "extension", nil, "recipient extension, may be empty (repeatable)")
	fs.StringArrayVar(&inv.domains, "domain", nil, "recipient domain (repeatable)")
	fs.Int64Var(&inv.size, "size", 0, "declared message size in bytes")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one message path or %q, got %d", stdinSentinel, fs.NArg())
	}
	inv.path = fs.Arg(0)

	n := len(inv.recipients)
	if n == 0 {
		return nil, errors.New("at least one --recipient is required")
	}
	if len(inv.localParts) != n || len(inv.domains) != n {
		return nil, fmt.Errorf("recipient options are not aligned: %d recipients, %d local parts, %d domains",
			n, len(inv.localParts), len(inv.domains))
	}
	// 扩展全部为空时 MTA 可能不传该参数
	if len(inv.extensions) == 0 {
		inv.extensions = make([]string, n)
	}
	if len(inv.extensions) != n {
		return nil, fmt.Errorf("recipient options are not aligned: %d recipients, %d extensions", n, len(inv.extensions))
	}
	return inv, nil
}

// envelope 构造并校验全部信封收件人
func (inv *invocation) envelope() ([]domain.EnvelopeRecipient, error) {
	out := make([]domain.EnvelopeRecipient, 0, len(inv.recipients))
	for i := range inv.recipients {
		r, err := domain.NewEnvelopeRecipient(inv.recipients[i], inv.localParts[i], inv.extensions[i], inv.domains[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// readMessage 从文件或标准输入读取原始邮件，limit <= 0 表示不限制大小
func (inv *invocation) readMessage(stdin io.Reader, limit int64) ([]byte, error) {
	src := stdin
	if inv.path != stdinSentinel {
		f, err := os.Open(inv.path)
		if err != nil {
			return nil, fmt.Errorf("open message: %w", err)
		}
		defer f.Close()
		src = f
	}
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}

	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if limit > 0 && int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", errMessageTooLarge, limit)
	}
	return raw, nil
}

// fail 输出内部错误状态行
func fail(stdout, stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, "receive:", err)
	res := domain.Fatal(err)
	fmt.Fprintln(stdout, res.StatusLine())
	return res.ExitCode()
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	inv, err := parseArgs(args)
	if err != nil {
		return fail(stdout, stderr, err)
	}
	rcpts, err := inv.envelope()
	if err != nil {
		return fail(stdout, stderr, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stdout, stderr, err)
	}

	log, err := logger.FromSettings(cfg.Log.Level, cfg.Log.Development, cfg.Log.File)
	if err != nil {
		return fail(stdout, stderr, err)
	}
	defer log.Sync()

	raw, err := inv.readMessage(stdin, cfg.Mail.MaxMessageBytes)
	if err != nil {
		log.Error("failed to read message", zap.Error(err))
		return fail(stdout, stderr, err)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize", zap.Error(err))
		return fail(stdout, stderr, err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
	}()

	res := a.Router.Route(ctx, router.Request{
		Sender:     inv.sender,
		Recipients: rcpts,
		Size:       inv.size,
		Raw:        raw,
	})

	log.Info("message processed",
		zap.String("sender", inv.sender),
		zap.Int("recipients", len(rcpts)),
		zap.String("status", res.Status.String()),
		zap.String("reason", res.Reason),
	)
	pushMetrics(a, cfg, log)

	if line := res.StatusLine(); line != "" {
		fmt.Fprintln(stdout, line)
	}
	return res.ExitCode()
}

// pushMetrics 短生命周期进程把本次指标推送到 Pushgateway，失败只记录日志
func pushMetrics(a *app.App, cfg *config.Config, log *zap.Logger) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Metrics.Push(ctx, cfg.Metrics.PushgatewayURL, pushJob); err != nil {
		log.Warn("failed to push metrics", zap.Error(err))
	}
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
