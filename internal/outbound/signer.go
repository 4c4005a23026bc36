package outbound

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"aliasrelay/backend/internal/domain"
)

// SignerKind 外发邮件采用的签名方式
type SignerKind string

const (
	SignerNone        SignerKind = "none"
	SignerPassthrough SignerKind = "passthrough"
	SignerOpenPGP     SignerKind = "openpgp"
	SignerDKIM        SignerKind = "dkim"
)

const pgpEncryptedProtocol = "application/pgp-encrypted"

// Content 外发邮件的正文部分
type Content struct {
	Text        string
	HTML        string
	Attachments []domain.Attachment
	Encrypted   []domain.EncryptedPart
}

// Signer 将邮件头与正文渲染为最终的原始邮件
type Signer interface {
	Kind() SignerKind
	Render(h mail.Header, c *Content) ([]byte, error)
}

// PlainSigner 不签名，直接输出 MIME 邮件
type PlainSigner struct{}

func (PlainSigner) Kind() SignerKind { return SignerNone }

func (PlainSigner) Render(h mail.Header, c *Content) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeEntity(&buf, h, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PassthroughSigner 原样重新封装已加密的 PGP/MIME 部分
type PassthroughSigner struct{}

func (PassthroughSigner) Kind() SignerKind { return SignerPassthrough }

func (PassthroughSigner) Render(h mail.Header, c *Content) ([]byte, error) {
	if len(c.Encrypted) == 0 {
		return nil, errors.New("passthrough signer requires encrypted parts")
	}
	return writeEncrypted(h, c.Encrypted)
}

// writeEntity 写出 text/plain 单部分邮件，或 multipart/mixed（正文 + 附件）
func writeEntity(w io.Writer, h mail.Header, c *Content) error {
	if c.HTML == "" && len(c.Attachments) == 0 {
		h = h.Copy()
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		body, err := mail.CreateSingleInlineWriter(w, h)
		if err != nil {
			return fmt.Errorf("create body: %w", err)
		}
		if _, err := io.WriteString(body, c.Text); err != nil {
			return err
		}
		return body.Close()
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("create multipart: %w", err)
	}

	if c.Text != "" || c.HTML != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return err
		}
		if c.Text != "" {
			if err := writeInline(iw, "text/plain", c.Text); err != nil {
				return err
			}
		}
		if c.HTML != "" {
			if err := writeInline(iw, "text/html", c.HTML); err != nil {
				return err
			}
		}
		if err := iw.Close(); err != nil {
			return err
		}
	}

	for _, a := range c.Attachments {
		mimeType := a.MIMEType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(mimeType, nil)
		ah.SetFilename(a.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("create attachment %s: %w", a.Filename, err)
		}
		if _, err := aw.Write(a.Content); err != nil {
			return err
		}
		if err := aw.Close(); err != nil {
			return err
		}
	}

	return mw.Close()
}

func writeInline(iw *mail.InlineWriter, mediaType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ih)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}

// writeEncrypted 输出 RFC 3156 multipart/encrypted 邮件，各部分原样写入
func writeEncrypted(h mail.Header, parts []domain.EncryptedPart) ([]byte, error) {
	var body bytes.Buffer
	mw := textproto.NewMultipartWriter(&body)
	for _, p := range parts {
		pw, err := mw.CreatePart(partHeader(p))
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write(p.Body); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	h = h.Copy()
	h.SetContentType("multipart/encrypted", map[string]string{
		"protocol": pgpEncryptedProtocol,
		"boundary": mw.Boundary(),
	})
	h.Del("Content-Transfer-Encoding")

	var out bytes.Buffer
	if err := textproto.WriteHeader(&out, h.Header.Header); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func partHeader(p domain.EncryptedPart) textproto.Header {
	var h textproto.Header
	keys := make([]string, 0, len(p.Header))
	for k := range p.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range p.Header[k] {
			h.Add(k, v)
		}
	}
	if !h.Has("Content-Type") && p.ContentType != "" {
		h.Set("Content-Type", p.ContentType)
	}
	return h
}
