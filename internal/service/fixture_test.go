package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage/memory"
)

func ptr[T any](v T) *T { return &v }

func testMailConfig() config.MailConfig {
	return config.MailConfig{
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
}

// recordingNotifier 记录通知调用
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

func (n *recordingNotifier) KeyExpired(_ context.Context, _ *domain.User, recipient *domain.Recipient) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keyExpiries = append(n.keyExpiries, recipient.ID)
}

// seedUser 创建带已验证默认收件人的用户
func seedUser(t *testing.T, store *memory.Store, id, username string) *domain.User {
	t.Helper()
	ctx := context.Background()

	user := &domain.User{ID: id, Username: username}
	require.NoError(t, store.SaveUser(ctx, user))

	rcpt := &domain.Recipient{
		ID:              id + "-default",
		UserID:          id,
		Email:           username + "@real.example",
		EmailVerifiedAt: ptr(time.Now()),
	}
	require.NoError(t, store.SaveRecipient(ctx, rcpt))

	user.DefaultRecipientID = &rcpt.ID
	require.NoError(t, store.SaveUser(ctx, user))

	got, err := store.GetUserByID(ctx, id)
	require.NoError(t, err)
	return got
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
