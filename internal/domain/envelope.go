package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// UnsubscribeLabel 退订伪域名使用的保留子域
const UnsubscribeLabel = "unsubscribe"

var validate = validator.New()

// EnvelopeRecipient 表示 SMTP 信封中的一个收件人。
// LocalPart 与 Domain 统一小写，Extension 保留原始大小写。
type EnvelopeRecipient struct {
	Address   string `validate:"required,max=254"`
	LocalPart string `validate:"required,max=64"`
	Extension string `validate:"max=190"`
	Domain    string `validate:"required,fqdn"`
}

// NewEnvelopeRecipient 构造并校验信封收件人，字段缺失或格式错误时返回错误
func NewEnvelopeRecipient(address, localPart, extension, domain string) (EnvelopeRecipient, error) {
	r := EnvelopeRecipient{
		Address:   strings.ToLower(strings.TrimSpace(address)),
		LocalPart: strings.ToLower(strings.TrimSpace(localPart)),
		Extension: strings.TrimSpace(extension),
		Domain:    strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), ".")),
	}
	if err := validate.Struct(r); err != nil {
		return EnvelopeRecipient{}, fmt.Errorf("%w: %q: %v", ErrInvalidEnvelope, address, err)
	}
	return r, nil
}

// AliasAddress 返回不含扩展的别名地址
func (r EnvelopeRecipient) AliasAddress() string {
	return r.LocalPart + "@" + r.Domain
}

// DecodedExtension 将扩展中末尾的 "=" 还原为 "@"，得到发信目标地址。
// 结果不是合法邮箱时 ok 为 false。
func (r EnvelopeRecipient) DecodedExtension() (address string, ok bool) {
	if r.Extension == "" {
		return "", false
	}
	idx := strings.LastIndex(r.Extension, "=")
	if idx <= 0 || idx == len(r.Extension)-1 {
		return "", false
	}
	address = r.Extension[:idx] + "@" + r.Extension[idx+1:]
	if err := validate.Var(address, "email"); err != nil {
		return "", false
	}
	return address, true
}

// EncodeSender 将发件人地址编码为可放入扩展的形式（"@" → "="）
func EncodeSender(address string) string {
	return strings.Replace(address, "@", "=", 1)
}
