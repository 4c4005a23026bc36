package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage"
)

// MaxExtensionRecipients 通过扩展语法最多选择的收件人数
const MaxExtensionRecipients = 10

// AliasRegistry 负责别名的查找、惰性创建、收件人同步与停用。
type AliasRegistry struct {
	aliases    storage.AliasRepository
	recipients storage.RecipientRepository
}

// NewAliasRegistry 创建别名注册表
func NewAliasRegistry(aliases storage.AliasRepository, recipients storage.RecipientRepository) *AliasRegistry {
	return &AliasRegistry{aliases: aliases, recipients: recipients}
}

// AliasSpec 描述待查找或创建的别名
type AliasSpec struct {
	User      *domain.User
	Aliasable domain.Aliasable
	LocalPart string
	Extension string
	Domain    string
}

func (s AliasSpec) key() domain.AliasKey {
	return domain.AliasKey{UserID: s.User.ID, LocalPart: s.LocalPart, Extension: s.Extension, Domain: s.Domain}
}

// Get 按ID获取别名，不存在时返回 storage.ErrNotFound
func (r *AliasRegistry) Get(ctx context.Context, id string) (*domain.Alias, error) {
	return r.aliases.GetAlias(ctx, id)
}

// Lookup 按唯一键查找别名，不存在时返回 storage.ErrNotFound
func (r *AliasRegistry) Lookup(ctx context.Context, key domain.AliasKey) (*domain.Alias, error) {
	return r.aliases.FindAlias(ctx, key)
}

// FindOrCreate 查找别名，不存在时先执行 beforeCreate（如新建别名限制），
// 再以唯一键原子插入。并发创建时返回先写入的记录，created 为 false。
func (r *AliasRegistry) FindOrCreate(ctx context.Context, spec AliasSpec, beforeCreate func(context.Context) error) (*domain.Alias, bool, error) {
	existing, err := r.aliases.FindAlias(ctx, spec.key())
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("find alias: %w", err)
	}

	if beforeCreate != nil {
		if err := beforeCreate(ctx); err != nil {
			return nil, false, err
		}
	}

	alias := &domain.Alias{
		UserID:    spec.User.ID,
		LocalPart: spec.LocalPart,
		Extension: spec.Extension,
		Domain:    spec.Domain,
		Active:    true,
	}
	if spec.Aliasable != nil {
		id, kind := spec.Aliasable.AliasableKey()
		alias.AliasableID = &id
		alias.AliasableType = kind
	}

	stored, created, err := r.aliases.CreateAliasIfAbsent(ctx, alias)
	if err != nil {
		return nil, false, fmt.Errorf("create alias: %w", err)
	}
	return stored, created, nil
}

// ExtensionIndexes 将 "1.3" 形式的扩展解析为从 1 开始的下标，忽略非数字段与重复值
func ExtensionIndexes(extension string) []int {
	var out []int
	seen := make(map[int]bool)
	for _, seg := range strings.Split(extension, ".") {
		n, err := strconv.Atoi(strings.TrimSpace(seg))
		if err != nil || n < 1 || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// SyncRecipientsFromExtension 按扩展中的下标从用户收件人（按创建时间排序）中
// 选出已验证的收件人，最多 10 个，并替换别名当前的收件人集合。
// 扩展中没有任何数字下标时不做修改。
func (r *AliasRegistry) SyncRecipientsFromExtension(ctx context.Context, alias *domain.Alias) error {
	indexes := ExtensionIndexes(alias.Extension)
	if len(indexes) == 0 {
		return nil
	}

	all, err := r.recipients.ListRecipientsByUserID(ctx, alias.UserID)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}

	selected := make([]domain.Recipient, 0, len(indexes))
	for _, idx := range indexes {
		if idx > len(all) {
			continue
		}
		rcpt := all[idx-1]
		if !rcpt.Verified() {
			continue
		}
		selected = append(selected, rcpt)
		if len(selected) == MaxExtensionRecipients {
			break
		}
	}

	ids := make([]string, 0, len(selected))
	for _, rcpt := range selected {
		ids = append(ids, rcpt.ID)
	}
	if err := r.aliases.ReplaceAliasRecipients(ctx, alias.ID, ids); err != nil {
		return fmt.Errorf("replace alias recipients: %w", err)
	}
	alias.Recipients = selected
	return nil
}

// Deactivate 停用别名（不删除）
func (r *AliasRegistry) Deactivate(ctx context.Context, aliasID string) error {
	return r.aliases.SetAliasActive(ctx, aliasID, false)
}

// VerifiedRecipientsOrDefault 返回别名关联的已验证收件人；没有时依次回退到
// 所属附加用户名或域名的默认收件人，再到用户的默认收件人。
func (r *AliasRegistry) VerifiedRecipientsOrDefault(ctx context.Context, alias *domain.Alias, user *domain.User, aliasable domain.Aliasable) ([]domain.Recipient, error) {
	if verified := alias.VerifiedRecipients(); len(verified) > 0 {
		return verified, nil
	}

	if aliasable != nil {
		if ref := aliasable.DefaultRecipientRef(); ref != nil && *ref != "" {
			rcpt, err := r.recipients.GetRecipient(ctx, *ref)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("load aliasable default recipient: %w", err)
			}
			if rcpt != nil && rcpt.Verified() {
				return []domain.Recipient{*rcpt}, nil
			}
		}
	}

	if user.HasVerifiedDefaultRecipient() {
		return []domain.Recipient{*user.DefaultRecipient}, nil
	}
	return nil, nil
}

// IncrementCounter 别名统计计数加一
func (r *AliasRegistry) IncrementCounter(ctx context.Context, aliasID string, counter domain.AliasCounter) error {
	return r.aliases.IncrementAliasCounter(ctx, aliasID, counter)
}
