package outbound

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/emersion/go-message/mail"

	"aliasrelay/backend/internal/domain"
)

// ErrNoUsableKey 收件人公钥没有可用的加密子密钥（过期、吊销或缺失）
var ErrNoUsableKey = errors.New("no usable encryption key")

// OpenPGPSigner 使用收件人公钥加密、服务私钥签名，输出 PGP/MIME 邮件
type OpenPGPSigner struct {
	recipient *openpgp.Entity
	signer    *openpgp.Entity
	config    *packet.Config
}

// NewOpenPGPSigner 校验密钥在 now 时刻可用后构造签名器，signer 可以为 nil（只加密不签名）
func NewOpenPGPSigner(recipient, signer *openpgp.Entity, now time.Time) (*OpenPGPSigner, error) {
	if recipient == nil {
		return nil, ErrNoUsableKey
	}
	if _, ok := recipient.EncryptionKey(now); !ok {
		return nil, fmt.Errorf("%w: %X", ErrNoUsableKey, recipient.PrimaryKey.Fingerprint)
	}
	if signer != nil {
		if _, ok := signer.SigningKey(now); !ok {
			return nil, fmt.Errorf("service signing key %X is not usable", signer.PrimaryKey.Fingerprint)
		}
	}
	return &OpenPGPSigner{
		recipient: recipient,
		signer:    signer,
		config:    &packet.Config{Time: func() time.Time { return now }},
	}, nil
}

func (s *OpenPGPSigner) Kind() SignerKind { return SignerOpenPGP }

// Render 将正文与附件组装为内层 MIME 实体后整体加密
func (s *OpenPGPSigner) Render(h mail.Header, c *Content) ([]byte, error) {
	var inner bytes.Buffer
	if err := writeEntity(&inner, mail.Header{}, c); err != nil {
		return nil, fmt.Errorf("render inner entity: %w", err)
	}

	var armored bytes.Buffer
	aw, err := armor.Encode(&armored, "PGP MESSAGE", nil)
	if err != nil {
		return nil, err
	}
	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{s.recipient}, s.signer, &openpgp.FileHints{IsBinary: true}, s.config)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := pw.Write(inner.Bytes()); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	armored.WriteString("\r\n")

	return writeEncrypted(h, []domain.EncryptedPart{
		{
			Header: map[string][]string{
				"Content-Type":        {pgpEncryptedProtocol},
				"Content-Description": {"PGP/MIME version identification"},
			},
			Body: []byte("Version: 1\r\n"),
		},
		{
			Header: map[string][]string{
				"Content-Type":        {`application/octet-stream; name="encrypted.asc"`},
				"Content-Description": {"OpenPGP encrypted message"},
				"Content-Disposition": {`inline; filename="encrypted.asc"`},
			},
			Body: armored.Bytes(),
		},
	})
}
