package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage"
)

// Identity 一个信封收件人的解析结果
type Identity struct {
	// Unsubscribe 为 true 时地址位于退订伪域名，User 为空
	Unsubscribe bool
	User        *domain.User
	// Aliasable 附加用户名或自定义域名，nil 表示直接属于用户
	Aliasable domain.Aliasable
	// Alias 通过别名ID或完整地址直接命中的别名
	Alias *domain.Alias
}

// Resolved 判断是否解析到了所属用户
func (i *Identity) Resolved() bool {
	return i != nil && i.User != nil
}

// ResolverStore 解析器依赖的查询接口
type ResolverStore interface {
	storage.UserRepository
	storage.OwnerRepository
	storage.AliasRepository
}

// Resolver 将信封收件人映射到所属用户与可拥有别名的实体。
type Resolver struct {
	store         ResolverStore
	domains       Domains
	adminUsername string
	log           *zap.Logger
}

// NewResolver 创建身份解析器
func NewResolver(store ResolverStore, domains Domains, adminUsername string, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:         store,
		domains:       domains,
		adminUsername: adminUsername,
		log:           log,
	}
}

// Resolve 按优先级依次尝试各种寻址方式，第一个命中即返回。
// 未解析时返回 nil 且不报错，调用方应静默跳过该收件人。
func (r *Resolver) Resolve(ctx context.Context, rcpt domain.EnvelopeRecipient) (*Identity, error) {
	id, err := r.resolve(ctx, rcpt)
	if err != nil || id == nil || id.Unsubscribe {
		return id, err
	}
	// 所属用户必须有已验证的默认收件人
	if !id.User.HasVerifiedDefaultRecipient() {
		r.log.Debug("owner has no verified default recipient",
			zap.String("recipient", rcpt.Address),
			zap.String("user_id", id.User.ID),
		)
		return nil, nil
	}
	return id, nil
}

func (r *Resolver) resolve(ctx context.Context, rcpt domain.EnvelopeRecipient) (*Identity, error) {
	label, underRoot := r.domains.RootLabel(rcpt.Domain)

	if underRoot {
		if label == domain.UnsubscribeLabel {
			return &Identity{Unsubscribe: true}, nil
		}

		username, err := r.store.GetAdditionalUsername(ctx, label)
		if err == nil {
			user, err := r.loadUser(ctx, username.UserID)
			if err != nil {
				return nil, err
			}
			if user != nil {
				return &Identity{User: user, Aliasable: username}, nil
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lookup additional username: %w", err)
		}

		user, err := r.store.GetUserByUsername(ctx, label)
		if err == nil {
			return &Identity{User: user}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lookup username: %w", err)
		}
	}

	customDomain, err := r.store.GetCustomDomain(ctx, rcpt.Domain)
	if err == nil {
		user, err := r.loadUser(ctx, customDomain.UserID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return &Identity{User: user, Aliasable: customDomain}, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup custom domain: %w", err)
	}

	// 本地部分可能是别名ID
	if _, err := uuid.Parse(rcpt.LocalPart); err == nil {
		alias, err := r.store.GetAlias(ctx, rcpt.LocalPart)
		if err == nil {
			return r.identityForAlias(ctx, alias)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lookup alias by id: %w", err)
		}
	}

	// 完整地址匹配与管理员兜底只适用于根域名本身
	if rcpt.Domain == r.domains.Root() {
		alias, err := r.store.FindAliasByAddress(ctx, rcpt.LocalPart, rcpt.Domain)
		if err == nil {
			return r.identityForAlias(ctx, alias)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lookup alias by address: %w", err)
		}

		if r.adminUsername != "" {
			admin, err := r.store.GetUserByUsername(ctx, r.adminUsername)
			if err == nil {
				return &Identity{User: admin}, nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("lookup admin user: %w", err)
			}
		}
	}

	return nil, nil
}

func (r *Resolver) identityForAlias(ctx context.Context, alias *domain.Alias) (*Identity, error) {
	user, err := r.loadUser(ctx, alias.UserID)
	if err != nil || user == nil {
		return nil, err
	}

	id := &Identity{User: user, Alias: alias}
	if alias.AliasableID == nil {
		return id, nil
	}
	switch alias.AliasableType {
	case domain.AliasableDomain:
		d, err := r.store.GetCustomDomainByID(ctx, *alias.AliasableID)
		if err == nil {
			id.Aliasable = d
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load alias domain: %w", err)
		}
	case domain.AliasableUsername:
		u, err := r.store.GetAdditionalUsernameByID(ctx, *alias.AliasableID)
		if err == nil {
			id.Aliasable = u
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load alias username: %w", err)
		}
	}
	return id, nil
}

// loadUser 加载用户，记录不存在时返回 (nil, nil)
func (r *Resolver) loadUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := r.store.GetUserByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}
