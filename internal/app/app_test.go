package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/router"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{URL: "https://app.aliasrelay.test", Key: strings.Repeat("x", 32)},
		Mail: config.MailConfig{
			RootDomain:          "aliasrelay.test",
			AllDomains:          []string{"aliasrelay.test"},
			FromAddress:         "mailer@aliasrelay.test",
			FromName:            "Alias Relay",
			ReturnPath:          "bounces@aliasrelay.test",
			SendLimit:           10,
			NewAliasHourlyLimit: 10,
			BandwidthLimit:      1 << 20,
		},
		Dispatch: config.DispatchConfig{Driver: "log"},
		Log:      config.LogConfig{Level: "error"},
	}
}

func TestNew_MemoryStore(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Redis)
	assert.Equal(t, "log", a.Dispatcher.Name())
	assert.NotNil(t, a.Router)

	t.Run("路由未知收件人静默成功", func(t *testing.T) {
		rcpt, err := domain.NewEnvelopeRecipient("nobody@elsewhere.example", "nobody", "", "elsewhere.example")
		require.NoError(t, err)

		res := a.Router.Route(ctx, router.Request{
			Sender:     "someone@external.example",
			Recipients: []domain.EnvelopeRecipient{rcpt},
			Raw:        []byte("From: someone@external.example\r\nSubject: hi\r\n\r\nbody\r\n"),
		})
		assert.Equal(t, 0, res.ExitCode())
	})

	t.Run("健康检查", func(t *testing.T) {
		assert.Equal(t, "OK", a.Health().CheckHealth()["database"])
	})
}

func TestNew_Errors(t *testing.T) {
	t.Run("签名密钥过短", func(t *testing.T) {
		cfg := testConfig()
		cfg.App.Key = "short"
		_, err := New(context.Background(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("redis 投递需要 redis 连接", func(t *testing.T) {
		cfg := testConfig()
		cfg.Dispatch.Driver = "redis"
		_, err := New(context.Background(), cfg, nil)
		assert.Error(t, err)
	})

	t.Run("不支持的数据库类型", func(t *testing.T) {
		cfg := testConfig()
		cfg.Database = config.DatabaseConfig{Type: "oracle", DSN: "x"}
		_, err := New(context.Background(), cfg, nil)
		assert.Error(t, err)
	})
}

func TestNextMonth(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextMonth(tt.in))
	}
}

func TestRunBandwidthReset_StopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunBandwidthReset(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bandwidth reset did not stop")
	}
}
