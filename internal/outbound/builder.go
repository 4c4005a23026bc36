// Package outbound 为每个投递目标组装外发邮件：发件身份、退信地址、
// 退订链接、Message-ID 以及签名方式。
package outbound

import (
	"context"
	"crypto"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/service"
)

// KeySource 提供收件人公钥与服务签名私钥
type KeySource interface {
	PublicKey(fingerprint string) (*openpgp.Entity, error)
	Signer() *openpgp.Entity
}

// LinkSigner 生成带签名的别名停用链接
type LinkSigner interface {
	DeactivationURL(aliasID string) (string, error)
}

// Options 构造 Builder 所需的依赖
type Options struct {
	Mail         config.MailConfig
	Domains      service.Domains
	Links        LinkSigner
	Keys         KeySource     // nil 表示不启用 OpenPGP 加密
	DKIMSelector string
	DKIMKey      crypto.Signer // nil 表示不启用 DKIM
	Logger       *zap.Logger
}

// Request 一次外发所需的上下文
type Request struct {
	Alias     *domain.Alias
	User      *domain.User
	Aliasable domain.Aliasable
	Email     *domain.EmailData
}

// Message 组装完成的外发邮件
type Message struct {
	From   string // 信封发件人，与 Return-Path 一致
	To     string
	Raw    []byte
	Signer SignerKind
	// EncryptionErr 收件人要求加密但密钥不可用、已降级为明文时非空
	EncryptionErr error
}

// Builder 外发邮件构造器
type Builder struct {
	opts  Options
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

// NewBuilder 创建外发邮件构造器
func NewBuilder(opts Options) *Builder {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{opts: opts, log: log, now: time.Now, newID: uuid.NewString}
}

// SetClock 替换时间源，仅用于测试。
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// identity 发件身份
type identity struct {
	from       string
	returnPath string
	// unverified 为 true 时 From 使用服务地址，别名地址只出现在显示名与 Reply-To
	unverified bool
	dkim       bool
}

func (b *Builder) senderIdentity(req Request) identity {
	alias := req.Alias
	if cd, ok := req.Aliasable.(*domain.CustomDomain); ok {
		if cd.SendingVerified() {
			return identity{from: alias.Email(), returnPath: alias.Email(), dkim: b.opts.DKIMKey != nil}
		}
		return identity{from: b.opts.Mail.FromAddress, returnPath: b.opts.Mail.ReturnPath, unverified: true}
	}

	root, ok := b.opts.Domains.Matching(alias.Domain)
	if !ok {
		root = b.opts.Domains.Root()
	}
	return identity{from: alias.Email(), returnPath: "mailer@" + root}
}

// BuildForward 将入站邮件转发给用户的真实收件人
func (b *Builder) BuildForward(ctx context.Context, req Request, rcpt domain.Recipient) (*Message, error) {
	id := b.senderIdentity(req)
	email := req.Email

	h := b.baseHeader(req.Alias, id)
	h.SetAddressList("From", []*mail.Address{{Name: forwardDisplayName(email), Address: id.from}})
	h.SetAddressList("To", []*mail.Address{{Address: rcpt.Email}})
	if reply := email.ReplyAddress(); reply != "" {
		replyTo := req.Alias.LocalPart + "+" + domain.EncodeSender(reply) + "@" + req.Alias.Domain
		h.SetAddressList("Reply-To", []*mail.Address{{Address: replyTo}})
	}

	subject, note := email.Subject, ""
	if req.User.EmailSubject != nil && *req.User.EmailSubject != "" {
		subject = *req.User.EmailSubject
		note = "Original subject: " + email.Subject
	}
	h.SetSubject(subject)

	unsubscribe, err := b.listUnsubscribe(req.Alias)
	if err != nil {
		return nil, err
	}
	h.Set("List-Unsubscribe", unsubscribe)

	content := &Content{Text: email.Text, HTML: email.HTML, Attachments: email.Attachments, Encrypted: email.EncryptedParts}
	if !email.IsEncrypted() {
		decorate(content, bannerLocation(req.User), b.bannerText(req.Alias, email), note)
	}

	signer, encErr := b.forwardSigner(req, rcpt, id)
	if encErr != nil {
		b.log.Warn("encryption key unusable, delivering unencrypted",
			zap.String("alias_id", req.Alias.ID),
			zap.String("recipient_id", rcpt.ID),
			zap.Error(encErr),
		)
	}

	raw, err := signer.Render(h, content)
	if err != nil {
		return nil, fmt.Errorf("render forward: %w", err)
	}
	return &Message{From: id.returnPath, To: rcpt.Email, Raw: raw, Signer: signer.Kind(), EncryptionErr: encErr}, nil
}

// BuildToExternal 以别名身份向外部地址发信（回复或主动发信）
func (b *Builder) BuildToExternal(ctx context.Context, req Request, destination string) (*Message, error) {
	id := b.senderIdentity(req)
	email := req.Email

	h := b.baseHeader(req.Alias, id)
	if id.unverified {
		h.SetAddressList("From", []*mail.Address{{Name: req.Alias.Email(), Address: id.from}})
		h.SetAddressList("Reply-To", []*mail.Address{{Address: req.Alias.Email()}})
	} else {
		h.SetAddressList("From", []*mail.Address{{Address: id.from}})
	}
	h.SetAddressList("To", []*mail.Address{{Address: destination}})
	h.SetSubject(email.Subject)
	if email.InReplyTo != "" {
		h.Set("In-Reply-To", email.InReplyTo)
	}
	if email.References != "" {
		h.Set("References", email.References)
	}

	unsubscribe, err := b.listUnsubscribe(req.Alias)
	if err != nil {
		return nil, err
	}
	h.Set("List-Unsubscribe", unsubscribe)

	var signer Signer = PlainSigner{}
	switch {
	case email.IsEncrypted():
		signer = PassthroughSigner{}
	case id.dkim:
		signer = NewDKIMSigner(req.Alias.Domain, b.opts.DKIMSelector, b.opts.DKIMKey)
	}

	content := &Content{Text: email.Text, HTML: email.HTML, Attachments: email.Attachments, Encrypted: email.EncryptedParts}
	raw, err := signer.Render(h, content)
	if err != nil {
		return nil, fmt.Errorf("render outbound: %w", err)
	}
	return &Message{From: id.returnPath, To: destination, Raw: raw, Signer: signer.Kind()}, nil
}

// forwardSigner 按 passthrough > OpenPGP > DKIM > 无 的优先级选择签名方式。
// 收件人密钥不可用时返回降级后的签名器以及原因。
func (b *Builder) forwardSigner(req Request, rcpt domain.Recipient, id identity) (Signer, error) {
	if req.Email.IsEncrypted() {
		return PassthroughSigner{}, nil
	}

	var encErr error
	if rcpt.CanEncrypt() && b.opts.Keys != nil {
		signer, err := b.openPGPSigner(*rcpt.Fingerprint)
		if err == nil {
			return signer, nil
		}
		encErr = err
	}

	if id.dkim {
		return NewDKIMSigner(req.Alias.Domain, b.opts.DKIMSelector, b.opts.DKIMKey), encErr
	}
	return PlainSigner{}, encErr
}

func (b *Builder) openPGPSigner(fingerprint string) (Signer, error) {
	key, err := b.opts.Keys.PublicKey(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", fingerprint, err)
	}
	return NewOpenPGPSigner(key, b.opts.Keys.Signer(), b.now())
}

func (b *Builder) baseHeader(alias *domain.Alias, id identity) mail.Header {
	var h mail.Header
	h.SetDate(b.now())
	h.SetMessageID(b.newID() + "@" + alias.Domain)
	h.Set("MIME-Version", "1.0")
	h.Set("Return-Path", "<"+id.returnPath+">")
	return h
}

// listUnsubscribe 退订伪地址与签名停用链接
func (b *Builder) listUnsubscribe(alias *domain.Alias) (string, error) {
	value := "<mailto:" + alias.ID + "@" + domain.UnsubscribeLabel + "." + b.opts.Domains.Root() + "?subject=unsubscribe>"
	if b.opts.Links == nil {
		return value, nil
	}
	link, err := b.opts.Links.DeactivationURL(alias.ID)
	if err != nil {
		return "", fmt.Errorf("sign deactivation link: %w", err)
	}
	return value + ", <" + link + ">", nil
}

func (b *Builder) bannerText(alias *domain.Alias, email *domain.EmailData) string {
	address := alias.LocalPart
	if alias.Extension != "" {
		address += "+" + alias.Extension
	}
	address += "@" + alias.Domain

	sender := email.FromAddress
	if sender == "" {
		sender = email.Sender
	}
	return fmt.Sprintf("This email was sent to %s from %s", address, sender)
}

// forwardDisplayName 生成 "名称 'user at example.com'" 形式的显示名
func forwardDisplayName(email *domain.EmailData) string {
	sender := email.FromAddress
	if sender == "" {
		sender = email.Sender
	}
	quoted := "'" + strings.Replace(sender, "@", " at ", 1) + "'"
	if email.DisplayFrom == "" {
		return quoted
	}
	return email.DisplayFrom + " " + quoted
}

func bannerLocation(user *domain.User) domain.BannerLocation {
	if user.BannerLocation == "" {
		return domain.BannerTop
	}
	return user.BannerLocation
}

// decorate 在正文中插入提示横幅与原主题说明
func decorate(c *Content, location domain.BannerLocation, banner, note string) {
	if location == domain.BannerOff {
		banner = ""
	}

	if c.Text != "" || c.HTML == "" {
		text := c.Text
		if note != "" {
			text = note + "\r\n\r\n" + text
		}
		switch {
		case banner == "":
		case location == domain.BannerBottom:
			text = text + "\r\n\r\n" + banner + "\r\n"
		default:
			text = banner + "\r\n\r\n" + text
		}
		c.Text = text
	}

	if c.HTML != "" {
		body := c.HTML
		if note != "" {
			body = "<p>" + html.EscapeString(note) + "</p>" + body
		}
		if banner != "" {
			block := `<div style="font-size:12px;color:#666;padding:8px 0">` + html.EscapeString(banner) + `</div>`
			if location == domain.BannerBottom {
				body += block
			} else {
				body = block + body
			}
		}
		c.HTML = body
	}
}
