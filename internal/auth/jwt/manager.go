// Package jwt 生成与校验别名停用链接中的签名。
package jwt

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidToken 无效的签名
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 签名已过期
	ErrExpiredToken = errors.New("token expired")
)

const (
	issuer  = "aliasrelay"
	keyInfo = "aliasrelay deactivation link"
)

// Claims 停用链接的声明
type Claims struct {
	AliasID string `json:"alias_id"`
	jwt.RegisteredClaims
}

// Manager 停用链接签名管理器
type Manager struct {
	secret  []byte
	baseURL string
	expiry  time.Duration
	now     func() time.Time
}

// NewManager 创建签名管理器。签名密钥由 appKey 经 HKDF 派生，
// expiry 为 0 时链接长期有效。
func NewManager(appKey, baseURL string, expiry time.Duration) (*Manager, error) {
	if len(appKey) < 32 {
		return nil, errors.New("app key must be at least 32 characters")
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(appKey), nil, []byte(keyInfo)), secret); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	return &Manager{
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		expiry:  expiry,
		now:     time.Now,
	}, nil
}

// Sign 为别名生成签名
func (m *Manager) Sign(aliasID string) (string, error) {
	now := m.now()
	claims := Claims{
		AliasID: aliasID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  aliasID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if m.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify 校验签名是否属于指定别名
func (m *Manager) Verify(tokenString, aliasID string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.AliasID != aliasID {
		return ErrInvalidToken
	}
	return nil
}

// DeactivationURL 返回带签名的停用链接
func (m *Manager) DeactivationURL(aliasID string) (string, error) {
	signature, err := m.Sign(aliasID)
	if err != nil {
		return "", err
	}
	return m.baseURL + "/deactivate/" + url.PathEscape(aliasID) + "?signature=" + url.QueryEscape(signature), nil
}
