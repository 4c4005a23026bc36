package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage"
)

// Store 基于 GORM 的关系型存储实现（PostgreSQL 与 MySQL）
type Store struct {
	db *gorm.DB
}

// driverFor 将配置中的数据库类型映射为 database/sql 驱动名
func driverFor(dbType string) (string, error) {
	switch strings.ToLower(dbType) {
	case "postgres", "postgresql":
		return "postgres", nil
	case "pgx":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported database type: %s (supported: postgres, pgx, mysql)", dbType)
	}
}

// Open 打开数据库连接并创建存储实例
func Open(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	driverName, err := driverFor(cfg.Type)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	store, err := NewStoreWithDialector(dialector)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.Recipient{},
		&domain.User{},
		&domain.AdditionalUsername{},
		&domain.CustomDomain{},
		&domain.Alias{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// ========== User Repository ==========

// SaveUser 创建或更新用户
func (s *Store) SaveUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Username = strings.ToLower(user.Username)
	return s.db.WithContext(ctx).Omit(clause.Associations).Save(user).Error
}

// GetUserByID 根据ID获取用户（包含默认收件人）
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Preload("DefaultRecipient").First(&user, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetUserByUsername 根据主用户名获取用户
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Preload("DefaultRecipient").
		Where("username = ?", strings.ToLower(username)).First(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// AddBandwidth 原子累加用户流量
func (s *Store) AddBandwidth(ctx context.Context, userID string, bytes int64) error {
	res := s.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", userID).
		UpdateColumn("bandwidth", gorm.Expr("bandwidth + ?", bytes))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ResetBandwidth 将所有用户的流量清零，返回受影响的用户数
func (s *Store) ResetBandwidth(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.User{}).Where("bandwidth <> 0").
		UpdateColumn("bandwidth", 0)
	return res.RowsAffected, res.Error
}

// ========== Recipient Repository ==========

// SaveRecipient 保存收件人
func (s *Store) SaveRecipient(ctx context.Context, recipient *domain.Recipient) error {
	if recipient.ID == "" {
		recipient.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(recipient).Error
}

// GetRecipient 根据ID获取收件人
func (s *Store) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	var recipient domain.Recipient
	if err := s.db.WithContext(ctx).First(&recipient, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &recipient, nil
}

// ListRecipientsByUserID 按创建时间升序返回用户的全部收件人
func (s *Store) ListRecipientsByUserID(ctx context.Context, userID string) ([]domain.Recipient, error) {
	var recipients []domain.Recipient
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at ASC").Order("id ASC").Find(&recipients).Error
	return recipients, err
}

// DisableEncryption 关闭收件人的加密标记
func (s *Store) DisableEncryption(ctx context.Context, recipientID string) error {
	return s.db.WithContext(ctx).Model(&domain.Recipient{}).Where("id = ?", recipientID).
		UpdateColumn("should_encrypt", false).Error
}

// DeleteRecipient 在一个事务中解除别名关联、清空默认收件人引用并删除收件人
func (s *Store) DeleteRecipient(ctx context.Context, id string, beforeCommit func(*domain.Recipient) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recipient domain.Recipient
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&recipient, "id = ?", id).Error; err != nil {
			return notFound(err)
		}

		if err := tx.Exec("DELETE FROM alias_recipients WHERE recipient_id = ?", id).Error; err != nil {
			return fmt.Errorf("detach aliases: %w", err)
		}
		for _, model := range []any{&domain.User{}, &domain.CustomDomain{}, &domain.AdditionalUsername{}} {
			if err := tx.Model(model).Where("default_recipient_id = ?", id).
				UpdateColumn("default_recipient_id", nil).Error; err != nil {
				return fmt.Errorf("clear default recipient: %w", err)
			}
		}
		if err := tx.Delete(&domain.Recipient{}, "id = ?", id).Error; err != nil {
			return err
		}

		if beforeCommit != nil {
			return beforeCommit(&recipient)
		}
		return nil
	})
}

// ========== Alias Repository ==========

// GetAlias 根据ID获取别名
func (s *Store) GetAlias(ctx context.Context, id string) (*domain.Alias, error) {
	var alias domain.Alias
	if err := s.db.WithContext(ctx).Preload("Recipients").First(&alias, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &alias, nil
}

// FindAlias 按唯一键查找别名
func (s *Store) FindAlias(ctx context.Context, key domain.AliasKey) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.db.WithContext(ctx).Preload("Recipients").
		Where("user_id = ? AND local_part = ? AND extension = ? AND domain = ?",
			key.UserID, key.LocalPart, key.Extension, key.Domain).
		First(&alias).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &alias, nil
}

// FindAliasByAddress 按完整地址查找任意用户的别名，取最早创建的一条
func (s *Store) FindAliasByAddress(ctx context.Context, localPart, domainName string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.db.WithContext(ctx).Preload("Recipients").
		Where("local_part = ? AND domain = ? AND extension = ''", localPart, domainName).
		Order("created_at ASC").First(&alias).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &alias, nil
}

// CreateAliasIfAbsent 依赖唯一索引原子插入，冲突时返回已有记录
func (s *Store) CreateAliasIfAbsent(ctx context.Context, alias *domain.Alias) (*domain.Alias, bool, error) {
	if alias.ID == "" {
		alias.ID = uuid.NewString()
	}

	res := s.db.WithContext(ctx).Omit("Recipients").
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(alias)
	if res.Error != nil {
		return nil, false, res.Error
	}

	if res.RowsAffected == 0 {
		existing, err := s.FindAlias(ctx, alias.Key())
		return existing, false, err
	}

	if len(alias.Recipients) > 0 {
		ids := make([]string, 0, len(alias.Recipients))
		for _, r := range alias.Recipients {
			ids = append(ids, r.ID)
		}
		if err := s.ReplaceAliasRecipients(ctx, alias.ID, ids); err != nil {
			return nil, true, err
		}
	}

	stored, err := s.GetAlias(ctx, alias.ID)
	return stored, true, err
}

// ReplaceAliasRecipients 替换别名的收件人集合
func (s *Store) ReplaceAliasRecipients(ctx context.Context, aliasID string, recipientIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM alias_recipients WHERE alias_id = ?", aliasID).Error; err != nil {
			return err
		}
		if len(recipientIDs) == 0 {
			return nil
		}
		rows := make([]map[string]any, 0, len(recipientIDs))
		for _, id := range recipientIDs {
			rows = append(rows, map[string]any{"alias_id": aliasID, "recipient_id": id})
		}
		return tx.Table("alias_recipients").Create(&rows).Error
	})
}

// SetAliasActive 设置别名激活状态
func (s *Store) SetAliasActive(ctx context.Context, aliasID string, active bool) error {
	return s.db.WithContext(ctx).Model(&domain.Alias{}).Where("id = ?", aliasID).
		Update("active", active).Error
}

// counterColumn 返回计数字段对应的列名，拒绝未知字段
func counterColumn(counter domain.AliasCounter) (string, error) {
	switch counter {
	case domain.CounterForwarded, domain.CounterBlocked, domain.CounterReplied, domain.CounterSent:
		return string(counter), nil
	default:
		return "", fmt.Errorf("unknown alias counter %q", counter)
	}
}

// IncrementAliasCounter 别名统计计数加一
func (s *Store) IncrementAliasCounter(ctx context.Context, aliasID string, counter domain.AliasCounter) error {
	column, err := counterColumn(counter)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&domain.Alias{}).Where("id = ?", aliasID).
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error
}

// CountAliasesCreatedSince 统计用户在 since 之后新建的别名数量
func (s *Store) CountAliasesCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.Alias{}).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).Count(&n).Error
	return n, err
}

// ========== Owner Repository ==========

// SaveAdditionalUsername 保存附加用户名
func (s *Store) SaveAdditionalUsername(ctx context.Context, username *domain.AdditionalUsername) error {
	if username.ID == "" {
		username.ID = uuid.NewString()
	}
	username.Username = strings.ToLower(username.Username)
	return s.db.WithContext(ctx).Save(username).Error
}

// GetAdditionalUsername 根据用户名获取附加用户名
func (s *Store) GetAdditionalUsername(ctx context.Context, username string) (*domain.AdditionalUsername, error) {
	var u domain.AdditionalUsername
	if err := s.db.WithContext(ctx).Where("username = ?", strings.ToLower(username)).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetAdditionalUsernameByID 根据ID获取附加用户名
func (s *Store) GetAdditionalUsernameByID(ctx context.Context, id string) (*domain.AdditionalUsername, error) {
	var u domain.AdditionalUsername
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// SaveCustomDomain 保存自定义域名
func (s *Store) SaveCustomDomain(ctx context.Context, customDomain *domain.CustomDomain) error {
	if customDomain.ID == "" {
		customDomain.ID = uuid.NewString()
	}
	customDomain.Domain = strings.ToLower(customDomain.Domain)
	return s.db.WithContext(ctx).Save(customDomain).Error
}

// GetCustomDomain 根据域名获取自定义域名
func (s *Store) GetCustomDomain(ctx context.Context, domainName string) (*domain.CustomDomain, error) {
	var d domain.CustomDomain
	if err := s.db.WithContext(ctx).Where("domain = ?", strings.ToLower(domainName)).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// GetCustomDomainByID 根据ID获取自定义域名
func (s *Store) GetCustomDomainByID(ctx context.Context, id string) (*domain.CustomDomain, error) {
	var d domain.CustomDomain
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// ========== 工具方法 ==========

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 健康检查
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
