package domain

import "time"

// BannerLocation 转发邮件中提示横幅的位置
type BannerLocation string

const (
	BannerTop    BannerLocation = "top"
	BannerBottom BannerLocation = "bottom"
	BannerOff    BannerLocation = "off"
)

// User 表示别名服务的注册用户
type User struct {
	ID                 string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username           string         `json:"username" gorm:"uniqueIndex;type:varchar(100);not null"`
	DefaultRecipientID *string        `json:"defaultRecipientId,omitempty" gorm:"type:varchar(36)"`
	DefaultRecipient   *Recipient     `json:"defaultRecipient,omitempty" gorm:"foreignKey:DefaultRecipientID"`
	Bandwidth          int64          `json:"bandwidth" gorm:"default:0"`      // 本周期已用流量（字节）
	BandwidthLimit     int64          `json:"bandwidthLimit" gorm:"default:0"` // 0 表示使用全局配置
	AliasesPerHour     int            `json:"aliasesPerHour" gorm:"default:0"` // 0 表示使用全局配置
	SendLimit          int            `json:"sendLimit" gorm:"default:0"`      // 每小时发送上限，0 表示使用全局配置
	BannerLocation     BannerLocation `json:"bannerLocation" gorm:"type:varchar(10);default:'top'"`
	EmailSubject       *string        `json:"emailSubject,omitempty" gorm:"type:varchar(255)"` // 固定显示的邮件主题
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// HasVerifiedDefaultRecipient 判断用户是否拥有已验证的默认收件人
func (u *User) HasVerifiedDefaultRecipient() bool {
	return u.DefaultRecipient != nil && u.DefaultRecipient.Verified()
}

// NotificationAddress 实现 Notifiable，通知发往默认收件人
func (u *User) NotificationAddress() string {
	if !u.HasVerifiedDefaultRecipient() {
		return ""
	}
	return u.DefaultRecipient.Email
}

// Notifiable 可以接收系统通知的实体
type Notifiable interface {
	NotificationAddress() string
}
