package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage"
)

// Store 使用内存保存用户、收件人与别名数据，主要用于开发验证与测试。
type Store struct {
	mu              sync.RWMutex
	users           map[string]*domain.User                // userID -> user
	byUsername      map[string]string                      // username -> userID
	recipients      map[string]*domain.Recipient           // recipientID -> recipient
	recipientSeq    map[string]int                         // recipientID -> 插入序号
	aliases         map[string]*domain.Alias               // aliasID -> alias
	byAliasKey      map[domain.AliasKey]string             // 唯一键 -> aliasID
	aliasRecipients map[string][]string                    // aliasID -> recipientIDs（有序）
	usernames       map[string]*domain.AdditionalUsername  // username -> additional username
	customDomains   map[string]*domain.CustomDomain        // domain -> custom domain
	seq             int

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		users:           make(map[string]*domain.User),
		byUsername:      make(map[string]string),
		recipients:      make(map[string]*domain.Recipient),
		recipientSeq:    make(map[string]int),
		aliases:         make(map[string]*domain.Alias),
		byAliasKey:      make(map[domain.AliasKey]string),
		aliasRecipients: make(map[string][]string),
		usernames:       make(map[string]*domain.AdditionalUsername),
		customDomains:   make(map[string]*domain.CustomDomain),
		now:             time.Now,
	}
}

// SetClock 替换时间源，仅用于测试。
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ========== User Repository ==========

// SaveUser 创建或更新用户
func (s *Store) SaveUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	user.UpdatedAt = user.CreatedAt
	stored := *user
	stored.DefaultRecipient = nil
	s.users[user.ID] = &stored
	s.byUsername[strings.ToLower(user.Username)] = user.ID
	return nil
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userLocked(id)
}

// GetUserByUsername 根据主用户名获取用户
func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.userLocked(id)
}

func (s *Store) userLocked(id string) (*domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *u
	out.DefaultRecipient = nil
	if u.DefaultRecipientID != nil {
		if r, ok := s.recipients[*u.DefaultRecipientID]; ok {
			rc := *r
			out.DefaultRecipient = &rc
		}
	}
	return &out, nil
}

// AddBandwidth 累加用户流量
func (s *Store) AddBandwidth(_ context.Context, userID string, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.Bandwidth += bytes
	return nil
}

// ResetBandwidth 将所有用户的流量清零
func (s *Store) ResetBandwidth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, u := range s.users {
		if u.Bandwidth != 0 {
			u.Bandwidth = 0
			n++
		}
	}
	return n, nil
}

// ========== Recipient Repository ==========

// SaveRecipient 保存收件人
func (s *Store) SaveRecipient(_ context.Context, recipient *domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if recipient.ID == "" {
		recipient.ID = uuid.NewString()
	}
	if recipient.CreatedAt.IsZero() {
		recipient.CreatedAt = s.now().UTC()
	}
	if _, exists := s.recipientSeq[recipient.ID]; !exists {
		s.seq++
		s.recipientSeq[recipient.ID] = s.seq
	}
	stored := *recipient
	s.recipients[recipient.ID] = &stored
	return nil
}

// GetRecipient 根据ID获取收件人
func (s *Store) GetRecipient(_ context.Context, id string) (*domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.recipients[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *r
	return &out, nil
}

// ListRecipientsByUserID 按创建时间升序返回用户的全部收件人
func (s *Store) ListRecipientsByUserID(_ context.Context, userID string) ([]domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Recipient, 0)
	for _, r := range s.recipients {
		if r.UserID == userID {
			result = append(result, *r)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return s.recipientSeq[result[i].ID] < s.recipientSeq[result[j].ID]
	})
	return result, nil
}

// DisableEncryption 关闭收件人的加密标记
func (s *Store) DisableEncryption(_ context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[recipientID]
	if !ok {
		return storage.ErrNotFound
	}
	r.ShouldEncrypt = false
	return nil
}

// DeleteRecipient 解除别名关联并删除收件人，beforeCommit 失败时不做任何修改
func (s *Store) DeleteRecipient(_ context.Context, id string, beforeCommit func(*domain.Recipient) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[id]
	if !ok {
		return storage.ErrNotFound
	}
	if beforeCommit != nil {
		rc := *r
		if err := beforeCommit(&rc); err != nil {
			return err
		}
	}

	for aliasID, ids := range s.aliasRecipients {
		s.aliasRecipients[aliasID] = removeID(ids, id)
	}
	for _, u := range s.users {
		if u.DefaultRecipientID != nil && *u.DefaultRecipientID == id {
			u.DefaultRecipientID = nil
		}
	}
	for _, d := range s.customDomains {
		if d.DefaultRecipientID != nil && *d.DefaultRecipientID == id {
			d.DefaultRecipientID = nil
		}
	}
	for _, un := range s.usernames {
		if un.DefaultRecipientID != nil && *un.DefaultRecipientID == id {
			un.DefaultRecipientID = nil
		}
	}
	delete(s.recipients, id)
	delete(s.recipientSeq, id)
	return nil
}

// ========== Alias Repository ==========

// GetAlias 根据ID获取别名
func (s *Store) GetAlias(_ context.Context, id string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aliasLocked(id)
}

// FindAlias 按唯一键查找别名
func (s *Store) FindAlias(_ context.Context, key domain.AliasKey) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAliasKey[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.aliasLocked(id)
}

// FindAliasByAddress 按完整地址查找任意用户的别名
func (s *Store) FindAliasByAddress(_ context.Context, localPart, domainName string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Alias
	for _, a := range s.aliases {
		if a.LocalPart != localPart || a.Domain != domainName || a.Extension != "" {
			continue
		}
		if found == nil || a.CreatedAt.Before(found.CreatedAt) {
			found = a
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return s.aliasLocked(found.ID)
}

// CreateAliasIfAbsent 按唯一键原子插入，已存在时返回已有别名
func (s *Store) CreateAliasIfAbsent(_ context.Context, alias *domain.Alias) (*domain.Alias, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alias.Key()
	if id, ok := s.byAliasKey[key]; ok {
		existing, err := s.aliasLocked(id)
		return existing, false, err
	}

	if alias.ID == "" {
		alias.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = now
	}
	alias.UpdatedAt = now
	stored := *alias
	stored.Recipients = nil
	s.aliases[alias.ID] = &stored
	s.byAliasKey[key] = alias.ID
	ids := make([]string, 0, len(alias.Recipients))
	for _, r := range alias.Recipients {
		ids = append(ids, r.ID)
	}
	s.aliasRecipients[alias.ID] = ids

	out, err := s.aliasLocked(alias.ID)
	return out, true, err
}

// ReplaceAliasRecipients 替换别名的收件人集合
func (s *Store) ReplaceAliasRecipients(_ context.Context, aliasID string, recipientIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.aliases[aliasID]; !ok {
		return storage.ErrNotFound
	}
	s.aliasRecipients[aliasID] = append([]string(nil), recipientIDs...)
	return nil
}

// SetAliasActive 设置别名激活状态
func (s *Store) SetAliasActive(_ context.Context, aliasID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.aliases[aliasID]
	if !ok {
		return storage.ErrNotFound
	}
	a.Active = active
	a.UpdatedAt = s.now().UTC()
	return nil
}

// IncrementAliasCounter 别名统计计数加一
func (s *Store) IncrementAliasCounter(_ context.Context, aliasID string, counter domain.AliasCounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.aliases[aliasID]
	if !ok {
		return storage.ErrNotFound
	}
	switch counter {
	case domain.CounterForwarded:
		a.EmailsForwarded++
	case domain.CounterBlocked:
		a.EmailsBlocked++
	case domain.CounterReplied:
		a.EmailsReplied++
	case domain.CounterSent:
		a.EmailsSent++
	}
	return nil
}

// CountAliasesCreatedSince 统计用户在 since 之后新建的别名
func (s *Store) CountAliasesCreatedSince(_ context.Context, userID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, a := range s.aliases {
		if a.UserID == userID && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) aliasLocked(id string) (*domain.Alias, error) {
	a, ok := s.aliases[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *a
	out.Recipients = make([]domain.Recipient, 0, len(s.aliasRecipients[id]))
	for _, rid := range s.aliasRecipients[id] {
		if r, ok := s.recipients[rid]; ok {
			out.Recipients = append(out.Recipients, *r)
		}
	}
	return &out, nil
}

// ========== Owner Repository ==========

// SaveAdditionalUsername 保存附加用户名
func (s *Store) SaveAdditionalUsername(_ context.Context, username *domain.AdditionalUsername) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if username.ID == "" {
		username.ID = uuid.NewString()
	}
	stored := *username
	s.usernames[strings.ToLower(username.Username)] = &stored
	return nil
}

// GetAdditionalUsername 根据用户名获取附加用户名
func (s *Store) GetAdditionalUsername(_ context.Context, username string) (*domain.AdditionalUsername, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usernames[strings.ToLower(username)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *u
	return &out, nil
}

// GetAdditionalUsernameByID 根据ID获取附加用户名
func (s *Store) GetAdditionalUsernameByID(_ context.Context, id string) (*domain.AdditionalUsername, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.usernames {
		if u.ID == id {
			out := *u
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

// SaveCustomDomain 保存自定义域名
func (s *Store) SaveCustomDomain(_ context.Context, customDomain *domain.CustomDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customDomain.ID == "" {
		customDomain.ID = uuid.NewString()
	}
	stored := *customDomain
	s.customDomains[strings.ToLower(customDomain.Domain)] = &stored
	return nil
}

// GetCustomDomain 根据域名获取自定义域名
func (s *Store) GetCustomDomain(_ context.Context, domainName string) (*domain.CustomDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.customDomains[strings.ToLower(domainName)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *d
	return &out, nil
}

// GetCustomDomainByID 根据ID获取自定义域名
func (s *Store) GetCustomDomainByID(_ context.Context, id string) (*domain.CustomDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.customDomains {
		if d.ID == id {
			out := *d
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ========== 工具方法 ==========

// Close 内存存储无需关闭
func (s *Store) Close() error { return nil }

// Health 内存存储始终健康
func (s *Store) Health() error { return nil }

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
