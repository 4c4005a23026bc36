package storage

import (
	"context"
	"errors"
	"time"

	"aliasrelay/backend/internal/domain"
)

var (
	// ErrNotFound 记录未找到
	ErrNotFound = errors.New("record not found")
	// ErrAliasExists 别名已存在
	ErrAliasExists = errors.New("alias already exists")
)

// UserRepository 定义用户数据存取操作。
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	SaveUser(ctx context.Context, user *domain.User) error
	// AddBandwidth 原子累加用户流量
	AddBandwidth(ctx context.Context, userID string, bytes int64) error
	ResetBandwidth(ctx context.Context) (int64, error)
}

// RecipientRepository 定义收件人数据存取操作。
type RecipientRepository interface {
	SaveRecipient(ctx context.Context, recipient *domain.Recipient) error
	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)
	// ListRecipientsByUserID 按创建时间升序返回
	ListRecipientsByUserID(ctx context.Context, userID string) ([]domain.Recipient, error)
	DisableEncryption(ctx context.Context, recipientID string) error
	// DeleteRecipient 在同一事务中解除别名关联、清空默认收件人引用并删除收件人；
	// beforeCommit 返回错误时整个事务回滚。
	DeleteRecipient(ctx context.Context, id string, beforeCommit func(*domain.Recipient) error) error
}

// AliasRepository 定义别名数据存取操作。
type AliasRepository interface {
	GetAlias(ctx context.Context, id string) (*domain.Alias, error)
	FindAlias(ctx context.Context, key domain.AliasKey) (*domain.Alias, error)
	// FindAliasByAddress 按完整地址查找（任意用户，扩展为空）
	FindAliasByAddress(ctx context.Context, localPart, domainName string) (*domain.Alias, error)
	// CreateAliasIfAbsent 按唯一键原子地插入别名；已存在时返回已有记录且 created 为 false
	CreateAliasIfAbsent(ctx context.Context, alias *domain.Alias) (stored *domain.Alias, created bool, err error)
	// ReplaceAliasRecipients 用给定列表替换别名的收件人集合
	ReplaceAliasRecipients(ctx context.Context, aliasID string, recipientIDs []string) error
	SetAliasActive(ctx context.Context, aliasID string, active bool) error
	IncrementAliasCounter(ctx context.Context, aliasID string, counter domain.AliasCounter) error
	// CountAliasesCreatedSince 统计用户在指定时间之后新建的别名数量
	CountAliasesCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// OwnerRepository 定义附加用户名与自定义域名的查询操作。
type OwnerRepository interface {
	GetAdditionalUsername(ctx context.Context, username string) (*domain.AdditionalUsername, error)
	GetAdditionalUsernameByID(ctx context.Context, id string) (*domain.AdditionalUsername, error)
	GetCustomDomain(ctx context.Context, domainName string) (*domain.CustomDomain, error)
	GetCustomDomainByID(ctx context.Context, id string) (*domain.CustomDomain, error)
	SaveAdditionalUsername(ctx context.Context, username *domain.AdditionalUsername) error
	SaveCustomDomain(ctx context.Context, customDomain *domain.CustomDomain) error
}

// Store 定义完整的持久化接口。
type Store interface {
	UserRepository
	RecipientRepository
	AliasRepository
	OwnerRepository

	Close() error
	Health() error
}

// CounterStore 跨进程共享的原子计数器。
type CounterStore interface {
	// Increment 原子自增；键首次创建时设置固定过期时间，返回自增后的值
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MarkerStore 跨进程共享的带过期标记。
type MarkerStore interface {
	// SetIfAbsent 仅当键不存在时写入，返回是否写入成功
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
