package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func seedUser(t *testing.T, store *Store) (*domain.User, *domain.Recipient) {
	t.Helper()
	ctx := context.Background()

	user := &domain.User{ID: "user-1", Username: "john"}
	require.NoError(t, store.SaveUser(ctx, user))

	recipient := &domain.Recipient{ID: "rcpt-1", UserID: user.ID, Email: "john@real.example", EmailVerifiedAt: ptr(time.Now())}
	require.NoError(t, store.SaveRecipient(ctx, recipient))

	user.DefaultRecipientID = &recipient.ID
	require.NoError(t, store.SaveUser(ctx, user))
	return user, recipient
}

func TestMemoryStore_UserOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	user, recipient := seedUser(t, store)

	got, err := store.GetUserByUsername(ctx, "JOHN")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	require.NotNil(t, got.DefaultRecipient)
	assert.Equal(t, recipient.Email, got.DefaultRecipient.Email)
	assert.True(t, got.HasVerifiedDefaultRecipient())

	require.NoError(t, store.AddBandwidth(ctx, user.ID, 100))
	require.NoError(t, store.AddBandwidth(ctx, user.ID, 50))
	got, err = store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.Bandwidth)

	n, err := store.ResetBandwidth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStore_ListRecipientsOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveRecipient(ctx, &domain.Recipient{ID: id, UserID: "u", Email: id + "@x.example"}))
	}
	require.NoError(t, store.SaveRecipient(ctx, &domain.Recipient{ID: "other", UserID: "v", Email: "o@x.example"}))

	list, err := store.ListRecipientsByUserID(ctx, "u")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "c", list[2].ID)
}

func TestMemoryStore_CreateAliasIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	t.Run("重复创建返回已有别名", func(t *testing.T) {
		first, created, err := store.CreateAliasIfAbsent(ctx, &domain.Alias{UserID: "u", LocalPart: "shop", Domain: "john.example.com", Active: true})
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := store.CreateAliasIfAbsent(ctx, &domain.Alias{UserID: "u", LocalPart: "shop", Domain: "john.example.com", Active: true})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("并发创建只产生一条记录", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		ids := make(map[string]int)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, _, err := store.CreateAliasIfAbsent(ctx, &domain.Alias{UserID: "u", LocalPart: "race", Domain: "example.com", Active: true})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[a.ID]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, ids, 1)
	})

	t.Run("扩展不同视为不同别名", func(t *testing.T) {
		_, created, err := store.CreateAliasIfAbsent(ctx, &domain.Alias{UserID: "u", LocalPart: "shop", Extension: "1.2", Domain: "john.example.com"})
		require.NoError(t, err)
		assert.True(t, created)
	})
}

func TestMemoryStore_DeleteRecipient(t *testing.T) {
	ctx := context.Background()

	t.Run("解除关联并清空默认收件人", func(t *testing.T) {
		store := NewStore()
		user, recipient := seedUser(t, store)
		alias, _, err := store.CreateAliasIfAbsent(ctx, &domain.Alias{UserID: user.ID, LocalPart: "a", Domain: "example.com"})
		require.NoError(t, err)
		require.NoError(t, store.ReplaceAliasRecipients(ctx, alias.ID, []string{recipient.ID}))

		var seen string
		err = store.DeleteRecipient(ctx, recipient.ID, func(r *domain.Recipient) error {
			seen = r.ID
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, recipient.ID, seen)

		got, err := store.GetAlias(ctx, alias.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Recipients)

		u, err := store.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Nil(t, u.DefaultRecipientID)
	})

	t.Run("回调失败时不做修改", func(t *testing.T) {
		store := NewStore()
		user, recipient := seedUser(t, store)
		alias, _, err := store.CreateAliasIfAbsent(ctx, &domain.Alias{UserID: user.ID, LocalPart: "a", Domain: "example.com"})
		require.NoError(t, err)
		require.NoError(t, store.ReplaceAliasRecipients(ctx, alias.ID, []string{recipient.ID}))

		boom := errors.New("keyring unavailable")
		err = store.DeleteRecipient(ctx, recipient.ID, func(*domain.Recipient) error { return boom })
		assert.ErrorIs(t, err, boom)

		_, err = store.GetRecipient(ctx, recipient.ID)
		require.NoError(t, err)
		got, err := store.GetAlias(ctx, alias.ID)
		require.NoError(t, err)
		assert.Len(t, got.Recipients, 1)
	})
}

func TestMemoryStore_AliasCounters(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	alias, _, err := store.CreateAliasIfAbsent(ctx, &domain.Alias{UserID: "u", LocalPart: "a", Domain: "example.com", Active: true})
	require.NoError(t, err)

	require.NoError(t, store.IncrementAliasCounter(ctx, alias.ID, domain.CounterForwarded))
	require.NoError(t, store.IncrementAliasCounter(ctx, alias.ID, domain.CounterBlocked))
	require.NoError(t, store.SetAliasActive(ctx, alias.ID, false))

	got, err := store.GetAlias(ctx, alias.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EmailsForwarded)
	assert.Equal(t, 1, got.EmailsBlocked)
	assert.False(t, got.Active)

	n, err := store.CountAliasesCreatedSince(ctx, "u", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCounters()
	c.SetClock(func() time.Time { return now })

	t.Run("窗口内累加，过期后重置", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := c.Increment(ctx, "k", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		now = now.Add(time.Hour)
		got, err := c.Increment(ctx, "k", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("标记只能写入一次", func(t *testing.T) {
		ok, err := c.SetIfAbsent(ctx, "m", 24*time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.SetIfAbsent(ctx, "m", 24*time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		now = now.Add(24 * time.Hour)
		ok, err = c.SetIfAbsent(ctx, "m", 24*time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
