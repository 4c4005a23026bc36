package outbound

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
)

// 这些头在签名之后仍可能被改写，不参与 DKIM 签名
var dkimExcludedHeaders = map[string]bool{
	"list-unsubscribe": true,
	"return-path":      true,
}

// DKIMSigner 以自定义域名身份对邮件做 DKIM 签名
type DKIMSigner struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewDKIMSigner 创建 DKIM 签名器
func NewDKIMSigner(domainName, selector string, key crypto.Signer) *DKIMSigner {
	return &DKIMSigner{domain: domainName, selector: selector, key: key}
}

func (s *DKIMSigner) Kind() SignerKind { return SignerDKIM }

func (s *DKIMSigner) Render(h mail.Header, c *Content) ([]byte, error) {
	plain, err := PlainSigner{}.Render(h, c)
	if err != nil {
		return nil, err
	}

	keys, err := signedHeaderKeys(plain)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	err = dkim.Sign(&out, bytes.NewReader(plain), &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             keys,
	})
	if err != nil {
		return nil, fmt.Errorf("dkim sign: %w", err)
	}
	return out.Bytes(), nil
}

// signedHeaderKeys 返回需要签名的头字段（去重，排除 dkimExcludedHeaders）
func signedHeaderKeys(raw []byte) ([]string, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	seen := make(map[string]bool)
	var keys []string
	fields := h.Fields()
	for fields.Next() {
		k := strings.ToLower(fields.Key())
		if dkimExcludedHeaders[k] || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, fields.Key())
	}
	return keys, nil
}

// LoadDKIMKey 读取 PEM 格式的 RSA 或 Ed25519 私钥
func LoadDKIMKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dkim key: %w", err)
	}
	return ParseDKIMKey(data)
}

// ParseDKIMKey 解析 PEM 格式的私钥（PKCS#1 或 PKCS#8）
func ParseDKIMKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("dkim key: no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("dkim key: unsupported key type")
	}
	return signer, nil
}
