package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrUsernameTooShort = errors.New("username too short (min 1 chars)")
	ErrUsernameTooLong  = errors.New("username too long (max 20 chars)")
	ErrInvalidUsername  = errors.New("invalid username format")
	ErrReservedUsername = errors.New("username is reserved")
)

// 验证常量
const (
	MaxEmailLength    = 254
	MaxDomainLength   = 253
	MinUsernameLength = 1
	MaxUsernameLength = 20
)

var (
	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

	// 用户名同时作为子域标签使用，只允许字母和数字
	usernameRegex = regexp.MustCompile(`^[a-z0-9]+$`)

	reservedUsernames = map[string]bool{
		UnsubscribeLabel: true,
		"mailer":         true,
		"bounces":        true,
		"postmaster":     true,
		"www":            true,
	}
)

// ValidateEmail 验证邮箱地址格式
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateDomain 验证域名
func ValidateDomain(domain string) error {
	domain = strings.ToLower(domain)
	if domain == "" || len(domain) > MaxDomainLength {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateUsername 验证用户名（主用户名与附加用户名共用）
func ValidateUsername(username string) error {
	username = strings.ToLower(username)
	if len(username) < MinUsernameLength {
		return ErrUsernameTooShort
	}
	if len(username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	if reservedUsernames[username] {
		return ErrReservedUsername
	}
	return nil
}

// Validate 校验用户实体
func (u *User) Validate() error {
	if err := ValidateUsername(u.Username); err != nil {
		return err
	}
	switch u.BannerLocation {
	case "", BannerTop, BannerBottom, BannerOff:
	default:
		return errors.New("invalid banner location")
	}
	return nil
}

// Validate 校验收件人实体
func (r *Recipient) Validate() error {
	if r.UserID == "" {
		return errors.New("user ID is required")
	}
	return ValidateEmail(r.Email)
}
