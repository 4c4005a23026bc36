package domain

import "time"

// Aliasable 可以拥有别名的实体（附加用户名或自定义域名）
type Aliasable interface {
	AliasableKey() (id string, kind AliasableType)
	OwnerID() string
	IsActive() bool
	AllowsCatchAll() bool
	DefaultRecipientRef() *string
}

// CustomDomain 用户自有并配置到本服务的域名
type CustomDomain struct {
	ID                      string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID                  string     `json:"userId" gorm:"type:varchar(36);index;not null"`
	Domain                  string     `json:"domain" gorm:"uniqueIndex;type:varchar(255);not null"`
	DefaultRecipientID      *string    `json:"defaultRecipientId,omitempty" gorm:"type:varchar(36)"`
	Active                  bool       `json:"active" gorm:"not null"`
	CatchAll                bool       `json:"catchAll" gorm:"not null"`
	DomainVerifiedAt        *time.Time `json:"domainVerifiedAt,omitempty"`
	DomainSendingVerifiedAt *time.Time `json:"domainSendingVerifiedAt,omitempty"` // DKIM/SPF 发信验证完成时间
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// SendingVerified 判断域名是否已通过发信验证
func (d *CustomDomain) SendingVerified() bool {
	return d.DomainSendingVerifiedAt != nil
}

func (d *CustomDomain) AliasableKey() (string, AliasableType) { return d.ID, AliasableDomain }
func (d *CustomDomain) OwnerID() string                       { return d.UserID }
func (d *CustomDomain) IsActive() bool                        { return d.Active }
func (d *CustomDomain) AllowsCatchAll() bool                  { return d.CatchAll }
func (d *CustomDomain) DefaultRecipientRef() *string          { return d.DefaultRecipientID }

// AdditionalUsername 用户的附加用户名，对应 <username>.<root-domain> 子域
type AdditionalUsername struct {
	ID                 string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID             string     `json:"userId" gorm:"type:varchar(36);index;not null"`
	Username           string     `json:"username" gorm:"uniqueIndex;type:varchar(100);not null"`
	DefaultRecipientID *string    `json:"defaultRecipientId,omitempty" gorm:"type:varchar(36)"`
	Active             bool       `json:"active" gorm:"not null"`
	CatchAll           bool       `json:"catchAll" gorm:"not null"`
	SendingVerifiedAt  *time.Time `json:"sendingVerifiedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// SendingVerified 判断附加用户名是否已通过发信验证。
// 附加用户名的子域始终位于根域名之下，外发身份按共享域名处理，该标记只作记录。
func (u *AdditionalUsername) SendingVerified() bool {
	return u.SendingVerifiedAt != nil
}

func (u *AdditionalUsername) AliasableKey() (string, AliasableType) {
	return u.ID, AliasableUsername
}
func (u *AdditionalUsername) OwnerID() string              { return u.UserID }
func (u *AdditionalUsername) IsActive() bool               { return u.Active }
func (u *AdditionalUsername) AllowsCatchAll() bool         { return u.CatchAll }
func (u *AdditionalUsername) DefaultRecipientRef() *string { return u.DefaultRecipientID }
