package domain

import (
	"strings"
	"time"
)

// Recipient 表示用户的真实收件邮箱
type Recipient struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID          string     `json:"userId" gorm:"type:varchar(36);index;not null"`
	Email           string     `json:"email" gorm:"type:varchar(255);not null"`
	EmailVerifiedAt *time.Time `json:"emailVerifiedAt,omitempty"`
	Fingerprint     *string    `json:"fingerprint,omitempty" gorm:"type:varchar(64)"` // PGP 公钥指纹
	ShouldEncrypt   bool       `json:"shouldEncrypt" gorm:"default:false"`
	CreatedAt       time.Time  `json:"createdAt" gorm:"index"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Verified 判断收件人邮箱是否已验证
func (r *Recipient) Verified() bool {
	return r.EmailVerifiedAt != nil
}

// CanEncrypt 判断是否应对该收件人加密
func (r *Recipient) CanEncrypt() bool {
	return r.ShouldEncrypt && r.Fingerprint != nil && *r.Fingerprint != ""
}

// Matches 忽略大小写比较邮箱地址
func (r *Recipient) Matches(address string) bool {
	return strings.EqualFold(strings.TrimSpace(r.Email), strings.TrimSpace(address))
}
