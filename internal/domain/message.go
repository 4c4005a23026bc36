package domain

import (
	"net/textproto"
	"strings"
)

// Attachment 表示邮件附件
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Content  []byte `json:"-"`
}

// EncryptedPart PGP/MIME 加密邮件中的一个原始部分，转发时原样保留
type EncryptedPart struct {
	ContentType string
	Header      map[string][]string
	Body        []byte
}

// EmailData 入站邮件解析后的只读视图
type EmailData struct {
	Sender         string // 信封发件人
	FromAddress    string
	DisplayFrom    string
	Subject        string
	Text           string
	HTML           string
	ReplyTo        string
	InReplyTo      string
	References     string
	MessageID      string
	Attachments    []Attachment
	EncryptedParts []EncryptedPart // 非空表示邮件到达时已是 PGP/MIME 加密
	Size           int64
	Header         textproto.MIMEHeader
}

// IsEncrypted 判断邮件是否已是 PGP/MIME 加密
func (e *EmailData) IsEncrypted() bool {
	return len(e.EncryptedParts) > 0
}

// HeaderValue 按名称查找原始邮件头
func (e *EmailData) HeaderValue(name string) string {
	if e.Header == nil {
		return ""
	}
	return strings.TrimSpace(e.Header.Get(name))
}

// ReplyAddress 回复时应使用的原始地址，优先 Reply-To
func (e *EmailData) ReplyAddress() string {
	if e.ReplyTo != "" {
		return e.ReplyTo
	}
	if e.FromAddress != "" {
		return e.FromAddress
	}
	return e.Sender
}
