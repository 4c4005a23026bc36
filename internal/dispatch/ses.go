package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// sesMaxRetries 临时失败的最大重试次数
const sesMaxRetries = 3

// SESConfig AWS SES 投递配置
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendEmailAPI SES v2 SendEmail 接口，测试时替换为 mock
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES 通过 AWS SES v2 发送原始邮件
type SES struct {
	client    SendEmailAPI
	baseDelay time.Duration
	log       *zap.Logger
}

// NewSES 加载 AWS 配置并创建 SES 投递通道。未提供静态密钥时使用默认凭证链。
func NewSES(ctx context.Context, cfg SESConfig, log *zap.Logger) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(awsCfg), log), nil
}

// NewSESWithClient 使用指定客户端创建 SES 投递通道
func NewSESWithClient(client SendEmailAPI, log *zap.Logger) *SES {
	if log == nil {
		log = zap.NewNop()
	}
	return &SES{client: client, baseDelay: time.Second, log: log}
}

func (s *SES) Name() string { return "ses" }

func (s *SES) Dispatch(ctx context.Context, env Envelope, raw []byte) error {
	if err := validate(env, raw); err != nil {
		return err
	}

	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{env.To}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if env.From != "" {
		input.FeedbackForwardingEmailAddress = aws.String(env.From)
	}

	var lastErr error
	for attempt := 0; attempt <= sesMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, s.backoff(attempt)); err != nil {
				return fmt.Errorf("ses retry cancelled: %w", err)
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Warn("SES API error",
			zap.Int("attempt", attempt),
			zap.String("destination", env.To),
			zap.Error(err),
		)
	}
	return fmt.Errorf("ses send failed after %d retries: %w", sesMaxRetries, lastErr)
}

// backoff 指数退避
func (s *SES) backoff(attempt int) time.Duration {
	return s.baseDelay << (attempt - 1)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
