package httptransport

import (
	"errors"

	"aliasrelay/backend/internal/auth/jwt"
	"aliasrelay/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	jwt.ErrInvalidToken: MsgSignatureInvalid,
	jwt.ErrExpiredToken: MsgSignatureExpired,
	storage.ErrNotFound: MsgAliasNotFound,
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return MsgInternalError
}

// 通用错误消息
const (
	MsgSignatureRequired = "缺少签名参数"
	MsgSignatureInvalid  = "链接签名无效"
	MsgSignatureExpired  = "链接已过期"

	MsgAliasNotFound    = "别名不存在"
	MsgAliasDeactivated = "别名已停用"

	MsgTooManyRequests = "请求过于频繁，请稍后重试"

	MsgInternalError = "服务器内部错误，请稍后重试"
)
