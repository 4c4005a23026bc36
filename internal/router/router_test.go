package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aliasrelay/backend/internal/auth/jwt"
	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/dispatch"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/monitoring"
	"aliasrelay/backend/internal/outbound"
	"aliasrelay/backend/internal/service"
	"aliasrelay/backend/internal/storage"
	"aliasrelay/backend/internal/storage/memory"
)

func ptr[T any](v T) *T { return &v }

type sent struct {
	env dispatch.Envelope
	raw []byte
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (d *recordingDispatcher) Name() string { return "recording" }

func (d *recordingDispatcher) Dispatch(_ context.Context, env dispatch.Envelope, raw []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, sent{env: env, raw: raw})
	return nil
}

func (d *recordingDispatcher) destinations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, s := range d.sent {
		out = append(out, s.env.To)
	}
	return out
}

type recordingNotifier struct {
	mu          sync.Mutex
	nearLimit   []string
	keyExpiries []string
}

func (n *recordingNotifier) NearBandwidthLimit(_ context.Context, user *domain.User) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nearLimit = append(n.nearLimit, user.ID)
}

func (n *recordingNotifier) KeyExpired(_ context.Context, _ *domain.User, rcpt *domain.Recipient) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keyExpiries = append(n.keyExpiries, rcpt.ID)
}

// countingKeys 记录公钥查询次数，始终查不到密钥
type countingKeys struct {
	calls int
}

func (k *countingKeys) PublicKey(fp string) (*openpgp.Entity, error) {
	k.calls++
	return nil, errors.New("key expired")
}

func (k *countingKeys) Signer() *openpgp.Entity { return nil }

type harness struct {
	store      *memory.Store
	dispatcher *recordingDispatcher
	notifier   *recordingNotifier
	keys       *countingKeys
	metrics    *monitoring.Metrics
	router     *Router
}

func newHarness(t *testing.T, mutate ...func(*config.MailConfig)) *harness {
	t.Helper()

	cfg := config.MailConfig{
		RootDomain:             "aliasrelay.test",
		AllDomains:             []string{"aliasrelay.test", "relay.example"},
		FromAddress:            "mailer@aliasrelay.test",
		FromName:               "Alias Relay",
		ReturnPath:             "bounces@aliasrelay.test",
		SendLimit:              3,
		NewAliasHourlyLimit:    2,
		BandwidthLimit:         1000,
		BandwidthWarningMargin: 100,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	store := memory.NewStore()
	counters := memory.NewCounters()
	h := &harness{
		store:      store,
		dispatcher: &recordingDispatcher{},
		notifier:   &recordingNotifier{},
		keys:       &countingKeys{},
		metrics:    monitoring.NewMetrics(),
	}

	links, err := jwt.NewManager(strings.Repeat("k", 32), "https://app.aliasrelay.test", 0)
	require.NoError(t, err)

	domains := service.NewDomains(cfg)
	h.router = New(Options{
		Mail:       cfg,
		Users:      store,
		Resolver:   service.NewResolver(store, domains, cfg.AdminUsername, nil),
		Policy:     service.NewPolicyGate(store, store, counters, counters, h.notifier, cfg, nil),
		Aliases:    service.NewAliasRegistry(store, store),
		Recipients: service.NewRecipientService(store, nil, nil),
		Builder: outbound.NewBuilder(outbound.Options{
			Mail:    cfg,
			Domains: domains,
			Links:   links,
			Keys:    h.keys,
		}),
		Dispatcher: h.dispatcher,
		Notifier:   h.notifier,
		Metrics:    h.metrics,
	})
	return h
}

// seedUser 创建带已验证默认收件人的用户
func (h *harness) seedUser(t *testing.T, id, username string) *domain.User {
	t.Helper()
	ctx := context.Background()

	user := &domain.User{ID: id, Username: username}
	require.NoError(t, h.store.SaveUser(ctx, user))

	rcpt := &domain.Recipient{
		ID:              id + "-default",
		UserID:          id,
		Email:           username + "@real.example",
		EmailVerifiedAt: ptr(time.Now()),
	}
	require.NoError(t, h.store.SaveRecipient(ctx, rcpt))

	user.DefaultRecipientID = &rcpt.ID
	require.NoError(t, h.store.SaveUser(ctx, user))

	got, err := h.store.GetUserByID(ctx, id)
	require.NoError(t, err)
	return got
}

func (h *harness) seedAlias(t *testing.T, alias *domain.Alias) *domain.Alias {
	t.Helper()
	stored, created, err := h.store.CreateAliasIfAbsent(context.Background(), alias)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func (h *harness) user(t *testing.T, id string) *domain.User {
	t.Helper()
	u, err := h.store.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (h *harness) counter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func envelope(t *testing.T, local, ext, domainName string) domain.EnvelopeRecipient {
	t.Helper()
	addr := local
	if ext != "" {
		addr += "+" + ext
	}
	r, err := domain.NewEnvelopeRecipient(addr+"@"+domainName, local, ext, domainName)
	require.NoError(t, err)
	return r
}

func plainMessage(extraHeaders ...string) []byte {
	var b strings.Builder
	b.WriteString("From: Sender <sender@external.example>\r\n")
	b.WriteString("To: someone@aliasrelay.test\r\n")
	b.WriteString("Subject: Hello\r\n")
	b.WriteString("Message-ID: <m1@external.example>\r\n")
	for _, h := range extraHeaders {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("Hi there\r\n")
	return []byte(b.String())
}

func encryptedMessage() []byte {
	return []byte("From: Sender <sender@external.example>\r\n" +
		"To: shop@alice.aliasrelay.test\r\n" +
		"Subject: ...\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=\"b1\"\r\n\r\n" +
		"--b1\r\n" +
		"Content-Type: application/pgp-encrypted\r\n\r\n" +
		"Version: 1\r\n" +
		"--b1\r\n" +
		"Content-Type: application/octet-stream; name=\"encrypted.asc\"\r\n\r\n" +
		"-----BEGIN PGP MESSAGE-----\r\n\r\nhQEMA0xyz\r\n-----END PGP MESSAGE-----\r\n" +
		"--b1--\r\n")
}

func TestRoute_Forward(t *testing.T) {
	ctx := context.Background()

	t.Run("新别名转发到默认收件人", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")

		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "", "alice.aliasrelay.test")},
			Raw:        plainMessage(),
		})

		assert.Equal(t, domain.StatusSuccess, res.Status)
		assert.Equal(t, 0, res.ExitCode())
		assert.Equal(t, []string{"alice@real.example"}, h.dispatcher.destinations())
		assert.Equal(t, "mailer@aliasrelay.test", h.dispatcher.sent[0].env.From)

		alias, err := h.store.FindAlias(ctx, domain.AliasKey{UserID: "u-alice", LocalPart: "shop", Domain: "alice.aliasrelay.test"})
		require.NoError(t, err)
		assert.True(t, alias.Active)
		assert.Equal(t, 1, alias.EmailsForwarded)
		assert.Equal(t, 1.0, h.counter(t, h.metrics.RecipientsRouted.WithLabelValues("forward")))
		assert.Equal(t, 1.0, h.counter(t, h.metrics.AliasesCreated))
	})

	t.Run("停用的别名拦截并计数", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")
		alias := h.seedAlias(t, &domain.Alias{UserID: "u-alice", LocalPart: "shop", Domain: "alice.aliasrelay.test", Active: false})

		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "", "alice.aliasrelay.test")},
			Raw:        plainMessage(),
		})

		assert.Equal(t, 0, res.ExitCode())
		assert.Empty(t, h.dispatcher.destinations())
		got, err := h.store.GetAlias(ctx, alias.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.EmailsBlocked)
		assert.Equal(t, 0, got.EmailsForwarded)
		assert.Equal(t, int64(0), h.user(t, "u-alice").Bandwidth)
	})

	t.Run("扩展选择收件人", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")
		require.NoError(t, h.store.SaveRecipient(ctx, &domain.Recipient{
			ID:              "r-work",
			UserID:          "u-alice",
			Email:           "alice@work.example",
			EmailVerifiedAt: ptr(time.Now()),
			CreatedAt:       time.Now().Add(time.Minute),
		}))

		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "2", "alice.aliasrelay.test")},
			Raw:        plainMessage(),
		})

		assert.Equal(t, 0, res.ExitCode())
		assert.Equal(t, []string{"alice@work.example"}, h.dispatcher.destinations())
	})

	t.Run("扩展只在别名创建时设置收件人", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")
		require.NoError(t, h.store.SaveRecipient(ctx, &domain.Recipient{
			ID:              "r-work",
			UserID:          "u-alice",
			Email:           "alice@work.example",
			EmailVerifiedAt: ptr(time.Now()),
			CreatedAt:       time.Now().Add(time.Minute),
		}))
		req := Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "1", "alice.aliasrelay.test")},
			Raw:        plainMessage(),
		}

		require.Equal(t, 0, h.router.Route(ctx, req).ExitCode())
		alias, err := h.store.FindAlias(ctx, domain.AliasKey{UserID: "u-alice", LocalPart: "shop", Extension: "1", Domain: "alice.aliasrelay.test"})
		require.NoError(t, err)
		require.NoError(t, h.store.ReplaceAliasRecipients(ctx, alias.ID, []string{"r-work"}))

		require.Equal(t, 0, h.router.Route(ctx, req).ExitCode())
		assert.Equal(t, []string{"alice@real.example", "alice@work.example"}, h.dispatcher.destinations())
	})

	t.Run("附加用户名的别名按ID或地址寻址结果一致", func(t *testing.T) {
		for _, active := range []bool{false, true} {
			h := newHarness(t)
			h.seedUser(t, "u-alice", "alice")
			require.NoError(t, h.store.SaveRecipient(ctx, &domain.Recipient{
				ID: "r-work", UserID: "u-alice", Email: "alice@work.example", EmailVerifiedAt: ptr(time.Now()),
			}))
			require.NoError(t, h.store.SaveAdditionalUsername(ctx, &domain.AdditionalUsername{
				ID: "un-shopper", UserID: "u-alice", Username: "shopper",
				DefaultRecipientID: ptr("r-work"), Active: active, CatchAll: true,
			}))
			alias := h.seedAlias(t, &domain.Alias{
				ID: "5e7c9b1a-2d4f-4a8e-b6c3-0f1e2d3c4b5a", UserID: "u-alice",
				AliasableID: ptr("un-shopper"), AliasableType: domain.AliasableUsername,
				LocalPart: "x", Domain: "shopper.aliasrelay.test", Active: true,
			})

			byID := h.router.Route(ctx, Request{
				Sender:     "sender@external.example",
				Recipients: []domain.EnvelopeRecipient{envelope(t, alias.ID, "", "aliasrelay.test")},
				Raw:        plainMessage(),
			})
			byAddress := h.router.Route(ctx, Request{
				Sender:     "sender@external.example",
				Recipients: []domain.EnvelopeRecipient{envelope(t, "x", "", "shopper.aliasrelay.test")},
				Raw:        plainMessage(),
			})

			assert.Equal(t, 0, byID.ExitCode())
			assert.Equal(t, 0, byAddress.ExitCode())
			if active {
				assert.Equal(t, []string{"alice@work.example", "alice@work.example"}, h.dispatcher.destinations())
			} else {
				assert.Empty(t, h.dispatcher.destinations())
			}
		}
	})

	t.Run("其他共享域名的未知地址不转给管理员", func(t *testing.T) {
		h := newHarness(t, func(c *config.MailConfig) { c.AdminUsername = "admin" })
		h.seedUser(t, "u-admin", "admin")

		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "random", "", "relay.example")},
			Raw:        plainMessage(),
		})

		assert.Equal(t, 0, res.ExitCode())
		assert.Empty(t, h.dispatcher.destinations())
		_, err := h.store.FindAlias(ctx, domain.AliasKey{UserID: "u-admin", LocalPart: "random", Domain: "relay.example"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("自定义域名未开启catch-all时不创建别名", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")
		require.NoError(t, h.store.SaveCustomDomain(ctx, &domain.CustomDomain{
			ID: "d1", UserID: "u-alice", Domain: "alice.example", Active: true, CatchAll: false,
		}))

		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "anything", "", "alice.example")},
			Raw:        plainMessage(),
		})

		assert.Equal(t, 0, res.ExitCode())
		assert.Empty(t, h.dispatcher.destinations())
		_, err := h.store.FindAlias(ctx, domain.AliasKey{UserID: "u-alice", LocalPart: "anything", Domain: "alice.example"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("未解析的收件人静默跳过", func(t *testing.T) {
		h := newHarness(t)

		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "nobody", "", "elsewhere.example")},
			Raw:        plainMessage(),
		})

		assert.Equal(t, domain.StatusSuccess, res.Status)
		assert.Empty(t, h.dispatcher.destinations())
		assert.Equal(t, 1.0, h.counter(t, h.metrics.RecipientsSkipped.WithLabelValues("unresolved")))
	})

	t.Run("发件人未验证时扩展不视为发信目标", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")

		res := h.router.Route(ctx, Request{
			Sender:     "stranger@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "bob=external.example", "alice.aliasrelay.test")},
			Raw:        plainMessage("In-Reply-To: <x@external.example>"),
		})

		assert.Equal(t, 0, res.ExitCode())
		assert.Equal(t, []string{"alice@real.example"}, h.dispatcher.destinations())
	})
}

func TestRoute_BandwidthSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedUser(t, "u-alice", "alice")
	h.seedUser(t, "u-bob", "bob")

	res := h.router.Route(ctx, Request{
		Sender: "sender@external.example",
		Recipients: []domain.EnvelopeRecipient{
			envelope(t, "shop", "", "alice.aliasrelay.test"),
			envelope(t, "0b8e6f2c-9a51-4b0e-8f7d-1c2a3b4c5d6e", "", "unsubscribe.aliasrelay.test"),
			envelope(t, "news", "", "bob.aliasrelay.test"),
		},
		Size: 901,
		Raw:  plainMessage(),
	})
	require.Equal(t, domain.StatusSuccess, res.Status)

	alice, bob := h.user(t, "u-alice").Bandwidth, h.user(t, "u-bob").Bandwidth
	assert.Equal(t, int64(450), alice)
	assert.Equal(t, int64(450), bob)
	assert.LessOrEqual(t, 901-(alice+bob), int64(1))
}

func TestRoute_SelfLoop(t *testing.T) {
	for _, sender := range []string{"mailer@aliasrelay.test", "BOUNCES@aliasrelay.test", "<mailer@aliasrelay.test>"} {
		t.Run(sender, func(t *testing.T) {
			h := newHarness(t)
			h.seedUser(t, "u-alice", "alice")

			res := h.router.Route(context.Background(), Request{
				Sender:     sender,
				Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "", "alice.aliasrelay.test")},
				Raw:        plainMessage(),
			})

			assert.Equal(t, domain.StatusSkipped, res.Status)
			assert.Equal(t, 0, res.ExitCode())
			assert.Empty(t, res.StatusLine())
			assert.Empty(t, h.dispatcher.destinations())
			n, err := h.store.CountAliasesCreatedSince(context.Background(), "u-alice", time.Time{})
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}

	t.Run("退信发件人", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")

		res := h.router.Route(context.Background(), Request{
			Sender:     "MAILER-DAEMON@mx.external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "", "alice.aliasrelay.test")},
			Raw:        plainMessage(),
		})
		assert.Equal(t, domain.StatusSkipped, res.Status)
		assert.Empty(t, h.dispatcher.destinations())
	})
}

func TestRoute_Unsubscribe(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		sender     string
		wantActive bool
	}{
		{"已验证收件人停用别名", "alice@real.example", false},
		{"陌生发件人不改变状态", "stranger@external.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedUser(t, "u-alice", "alice")
			alias := h.seedAlias(t, &domain.Alias{UserID: "u-alice", LocalPart: "shop", Domain: "alice.aliasrelay.test", Active: true})

			res := h.router.Route(ctx, Request{
				Sender:     tt.sender,
				Recipients: []domain.EnvelopeRecipient{envelope(t, alias.ID, "", "unsubscribe.aliasrelay.test")},
				Raw:        plainMessage(),
			})

			assert.Equal(t, 0, res.ExitCode())
			assert.Empty(t, h.dispatcher.destinations())
			got, err := h.store.GetAlias(ctx, alias.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantActive, got.Active)
			assert.Equal(t, int64(0), h.user(t, "u-alice").Bandwidth)
		})
	}
}

func TestRoute_Reply(t *testing.T) {
	ctx := context.Background()

	t.Run("通过已有别名回复", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")
		alias := h.seedAlias(t, &domain.Alias{UserID: "u-alice", LocalPart: "shop", Domain: "alice.aliasrelay.test", Active: true})

		res := h.router.Route(ctx, Request{
			Sender:     "alice@real.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "bob=external.example", "alice.aliasrelay.test")},
			Raw:        plainMessage("In-Reply-To: <orig@external.example>"),
		})

		require.Equal(t, domain.StatusSuccess, res.Status)
		assert.Equal(t, []string{"bob@external.example"}, h.dispatcher.destinations())
		assert.Contains(t, string(h.dispatcher.sent[0].raw), "From: <shop@alice.aliasrelay.test>")

		n, err := h.store.CountAliasesCreatedSince(ctx, "u-alice", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := h.store.GetAlias(ctx, alias.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.EmailsReplied)
	})

	t.Run("别名不存在时静默跳过", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")

		res := h.router.Route(ctx, Request{
			Sender:     "alice@real.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "bob=external.example", "alice.aliasrelay.test")},
			Raw:        plainMessage("In-Reply-To: <orig@external.example>"),
		})

		assert.Equal(t, 0, res.ExitCode())
		assert.Empty(t, h.dispatcher.destinations())
		n, err := h.store.CountAliasesCreatedSince(ctx, "u-alice", time.Time{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestRoute_SendFrom(t *testing.T) {
	ctx := context.Background()

	t.Run("用户子域新建别名并发信", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")

		res := h.router.Route(ctx, Request{
			Sender:     "alice@real.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "newsletter", "bob=external.example", "alice.aliasrelay.test")},
			Raw:        plainMessage(),
		})

		require.Equal(t, domain.StatusSuccess, res.Status)
		assert.Equal(t, []string{"bob@external.example"}, h.dispatcher.destinations())

		alias, err := h.store.FindAlias(ctx, domain.AliasKey{UserID: "u-alice", LocalPart: "newsletter", Domain: "alice.aliasrelay.test"})
		require.NoError(t, err)
		assert.Equal(t, 1, alias.EmailsSent)
	})

	t.Run("共享域名新别名不允许发信", func(t *testing.T) {
		h := newHarness(t, func(c *config.MailConfig) { c.AdminUsername = "alice" })
		h.seedUser(t, "u-alice", "alice")

		res := h.router.Route(ctx, Request{
			Sender:     "alice@real.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "fresh", "bob=external.example", "aliasrelay.test")},
			Raw:        plainMessage(),
		})

		assert.Equal(t, domain.StatusSuccess, res.Status)
		assert.Equal(t, 0, res.ExitCode())
		assert.Empty(t, h.dispatcher.destinations())
		_, err := h.store.FindAlias(ctx, domain.AliasKey{UserID: "u-alice", LocalPart: "fresh", Domain: "aliasrelay.test"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestRoute_RateLimitBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedUser(t, "u-alice", "alice")

	req := Request{
		Sender:     "sender@external.example",
		Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "", "alice.aliasrelay.test")},
		Raw:        plainMessage(),
	}

	for i := 0; i < 3; i++ {
		res := h.router.Route(ctx, req)
		require.Equal(t, domain.StatusSuccess, res.Status, "send %d", i+1)
	}

	res := h.router.Route(ctx, req)
	assert.Equal(t, domain.StatusFatal, res.Status)
	assert.Equal(t, 1, res.ExitCode())
	assert.Equal(t, "4.2.1 Rate limit exceeded for user. Please try again later.", res.StatusLine())
	assert.Len(t, h.dispatcher.destinations(), 3)
	assert.Equal(t, 1.0, h.counter(t, h.metrics.PolicyRejections.WithLabelValues("rate_limit")))
}

func TestRoute_NewAliasLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedUser(t, "u-alice", "alice")

	for _, local := range []string{"a1", "a2"} {
		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, local, "", "alice.aliasrelay.test")},
			Raw:        plainMessage(),
		})
		require.Equal(t, domain.StatusSuccess, res.Status)
	}

	res := h.router.Route(ctx, Request{
		Sender:     "sender@external.example",
		Recipients: []domain.EnvelopeRecipient{envelope(t, "a3", "", "alice.aliasrelay.test")},
		Raw:        plainMessage(),
	})
	assert.Equal(t, 1, res.ExitCode())
	assert.Equal(t, "4.2.1 New aliases per hour limit exceeded for user.", res.StatusLine())

	_, err := h.store.FindAlias(ctx, domain.AliasKey{UserID: "u-alice", LocalPart: "a3", Domain: "alice.aliasrelay.test"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRoute_FatalAbortsRemainingRecipients(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bob := h.seedUser(t, "u-bob", "bob")
	bob.Bandwidth = 1000
	require.NoError(t, h.store.SaveUser(ctx, bob))
	h.seedUser(t, "u-alice", "alice")

	res := h.router.Route(ctx, Request{
		Sender: "sender@external.example",
		Recipients: []domain.EnvelopeRecipient{
			envelope(t, "news", "", "bob.aliasrelay.test"),
			envelope(t, "shop", "", "alice.aliasrelay.test"),
		},
		Raw: plainMessage(),
	})

	assert.Equal(t, 1, res.ExitCode())
	assert.Equal(t, "4.2.1 Bandwidth limit exceeded for user. Please try again later.", res.StatusLine())
	assert.Empty(t, h.dispatcher.destinations())
	_, err := h.store.FindAlias(ctx, domain.AliasKey{UserID: "u-alice", LocalPart: "shop", Domain: "alice.aliasrelay.test"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRoute_DispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "u-alice", "alice")
	h.dispatcher.err = errors.New("queue unavailable")

	res := h.router.Route(context.Background(), Request{
		Sender:     "sender@external.example",
		Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "", "alice.aliasrelay.test")},
		Raw:        plainMessage(),
	})

	assert.Equal(t, 1, res.ExitCode())
	assert.Equal(t, "4.3.0 An error has occurred, please try again later.", res.StatusLine())
	assert.Equal(t, 1.0, h.counter(t, h.metrics.DispatchErrors.WithLabelValues("recording")))
}

func TestRoute_Signing(t *testing.T) {
	ctx := context.Background()

	encryptDefault := func(t *testing.T, h *harness) {
		t.Helper()
		rcpt, err := h.store.GetRecipient(ctx, "u-alice-default")
		require.NoError(t, err)
		rcpt.ShouldEncrypt = true
		rcpt.Fingerprint = ptr("0123456789ABCDEF0123456789ABCDEF01234567")
		require.NoError(t, h.store.SaveRecipient(ctx, rcpt))
	}

	t.Run("已加密邮件总是原样透传", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")
		encryptDefault(t, h)

		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "", "alice.aliasrelay.test")},
			Raw:        encryptedMessage(),
		})

		require.Equal(t, domain.StatusSuccess, res.Status)
		require.Len(t, h.dispatcher.sent, 1)
		assert.Contains(t, string(h.dispatcher.sent[0].raw), "multipart/encrypted")
		assert.Zero(t, h.keys.calls)
		assert.Equal(t, 1.0, h.counter(t, h.metrics.SignerSelections.WithLabelValues(string(outbound.SignerPassthrough))))

		rcpt, err := h.store.GetRecipient(ctx, "u-alice-default")
		require.NoError(t, err)
		assert.True(t, rcpt.ShouldEncrypt)
	})

	t.Run("密钥不可用时降级为明文并通知", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "u-alice", "alice")
		encryptDefault(t, h)

		res := h.router.Route(ctx, Request{
			Sender:     "sender@external.example",
			Recipients: []domain.EnvelopeRecipient{envelope(t, "shop", "", "alice.aliasrelay.test")},
			Raw:        plainMessage(),
		})

		require.Equal(t, domain.StatusSuccess, res.Status)
		assert.Equal(t, []string{"alice@real.example"}, h.dispatcher.destinations())
		assert.Equal(t, 1, h.keys.calls)
		assert.NotContains(t, string(h.dispatcher.sent[0].raw), "multipart/encrypted")

		rcpt, err := h.store.GetRecipient(ctx, "u-alice-default")
		require.NoError(t, err)
		assert.False(t, rcpt.ShouldEncrypt)
		assert.Equal(t, []string{"u-alice-default"}, h.notifier.keyExpiries)
		assert.Equal(t, 1.0, h.counter(t, h.metrics.DegradedEncrypts))
	})
}

func TestClassify(t *testing.T) {
	user := &domain.User{ID: "u1"}
	plain := &domain.EmailData{}
	replying := &domain.EmailData{InReplyTo: "<x@example.com>"}

	tests := []struct {
		name     string
		id       *service.Identity
		ext      string
		email    *domain.EmailData
		verified bool
		want     Decision
	}{
		{"退订", &service.Identity{Unsubscribe: true}, "", plain, true, Decision{Intent: IntentUnsubscribe}},
		{"回复", &service.Identity{User: user}, "bob=example.com", replying, true, Decision{Intent: IntentReply, Destination: "bob@example.com"}},
		{"发信", &service.Identity{User: user}, "bob=example.com", plain, true, Decision{Intent: IntentSendFrom, Destination: "bob@example.com"}},
		{"未验证发件人转发", &service.Identity{User: user}, "bob=example.com", replying, false, Decision{Intent: IntentForward}},
		{"扩展不是地址", &service.Identity{User: user}, "1.3", plain, true, Decision{Intent: IntentForward}},
		{"无扩展", &service.Identity{User: user}, "", plain, true, Decision{Intent: IntentForward}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rcpt := envelope(t, "shop", tt.ext, "u1.aliasrelay.test")
			assert.Equal(t, tt.want, Classify(tt.id, rcpt, tt.email, tt.verified))
		})
	}
}

func TestIsBounceSender(t *testing.T) {
	assert.True(t, isBounceSender(""))
	assert.True(t, isBounceSender("<>"))
	assert.True(t, isBounceSender("MAILER-DAEMON@mx.example.com"))
	assert.False(t, isBounceSender("daemon@example.com"))
}
