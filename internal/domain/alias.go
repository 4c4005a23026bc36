package domain

import "time"

// AliasableType 别名所属实体的类型
type AliasableType string

const (
	AliasableNone     AliasableType = ""
	AliasableUsername AliasableType = "username"
	AliasableDomain   AliasableType = "domain"
)

// Alias 表示一个可路由的别名地址 local_part[+extension]@domain。
// (user_id, local_part, extension, domain) 唯一确定一个别名。
type Alias struct {
	ID              string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID          string        `json:"userId" gorm:"type:varchar(36);not null;uniqueIndex:idx_alias_identity,priority:1"`
	AliasableID     *string       `json:"aliasableId,omitempty" gorm:"type:varchar(36);index"`
	AliasableType   AliasableType `json:"aliasableType,omitempty" gorm:"type:varchar(20)"`
	LocalPart       string        `json:"localPart" gorm:"type:varchar(255);not null;uniqueIndex:idx_alias_identity,priority:2"`
	Extension       string        `json:"extension,omitempty" gorm:"type:varchar(255);not null;default:'';uniqueIndex:idx_alias_identity,priority:3"` // 空字符串表示无扩展
	Domain          string        `json:"domain" gorm:"type:varchar(255);not null;uniqueIndex:idx_alias_identity,priority:4"`
	Active          bool          `json:"active" gorm:"not null"`
	Description     string        `json:"description,omitempty" gorm:"type:varchar(255)"`
	EmailsForwarded int           `json:"emailsForwarded" gorm:"default:0"`
	EmailsBlocked   int           `json:"emailsBlocked" gorm:"default:0"`
	EmailsReplied   int           `json:"emailsReplied" gorm:"default:0"`
	EmailsSent      int           `json:"emailsSent" gorm:"default:0"`
	Recipients      []Recipient   `json:"recipients,omitempty" gorm:"many2many:alias_recipients;"`
	CreatedAt       time.Time     `json:"createdAt" gorm:"index"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Email 返回别名的完整地址（不含扩展）
func (a *Alias) Email() string {
	return a.LocalPart + "@" + a.Domain
}

// Key 返回别名的唯一标识元组
func (a *Alias) Key() AliasKey {
	return AliasKey{UserID: a.UserID, LocalPart: a.LocalPart, Extension: a.Extension, Domain: a.Domain}
}

// VerifiedRecipients 返回别名关联的已验证收件人
func (a *Alias) VerifiedRecipients() []Recipient {
	out := make([]Recipient, 0, len(a.Recipients))
	for _, r := range a.Recipients {
		if r.Verified() {
			out = append(out, r)
		}
	}
	return out
}

// AliasKey 别名唯一键
type AliasKey struct {
	UserID    string
	LocalPart string
	Extension string
	Domain    string
}

// AliasCounter 别名统计计数器字段
type AliasCounter string

const (
	CounterForwarded AliasCounter = "emails_forwarded"
	CounterBlocked   AliasCounter = "emails_blocked"
	CounterReplied   AliasCounter = "emails_replied"
	CounterSent      AliasCounter = "emails_sent"
)
