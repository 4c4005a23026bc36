// Package keyring 管理收件人的 OpenPGP 公钥与服务签名私钥。
//
// 公钥以 ASCII armor 形式保存在目录中，文件名为 <大写指纹>.asc。
package keyring

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"aliasrelay/backend/internal/config"
)

var (
	// ErrKeyNotFound 密钥环中没有该指纹
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidFingerprint 指纹格式不合法
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	fingerprintRegex = regexp.MustCompile(`^[0-9A-F]{40}$|^[0-9A-F]{64}$`)
)

// Keyring 基于目录的密钥环
type Keyring struct {
	mu     sync.RWMutex
	dir    string
	signer *openpgp.Entity
}

// New 创建密钥环，signer 可以为 nil
func New(dir string, signer *openpgp.Entity) (*Keyring, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keyring directory: %w", err)
	}
	return &Keyring{dir: dir, signer: signer}, nil
}

// Open 根据配置打开密钥环并加载服务签名私钥
func Open(cfg config.PGPConfig) (*Keyring, error) {
	var signer *openpgp.Entity
	if cfg.SigningKeyFile != "" {
		f, err := os.Open(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("open signing key: %w", err)
		}
		defer f.Close()

		signer, err = ReadSigningKey(f, cfg.SigningPassphrase)
		if err != nil {
			return nil, err
		}
		if cfg.SigningFingerprint != "" && !strings.EqualFold(Fingerprint(signer), normalize(cfg.SigningFingerprint)) {
			return nil, fmt.Errorf("signing key fingerprint %s does not match configured %s", Fingerprint(signer), cfg.SigningFingerprint)
		}
	}
	return New(cfg.KeyringDir, signer)
}

// ReadSigningKey 读取 armor 格式的私钥并用口令解密
func ReadSigningKey(r io.Reader, passphrase string) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	if len(entities) == 0 || entities[0].PrivateKey == nil {
		return nil, errors.New("signing key file contains no private key")
	}
	entity := entities[0]
	if entity.PrivateKey.Encrypted {
		if err := entity.DecryptPrivateKeys([]byte(passphrase)); err != nil {
			return nil, fmt.Errorf("decrypt signing key: %w", err)
		}
	}
	return entity, nil
}

// Fingerprint 返回实体主密钥的大写十六进制指纹
func Fingerprint(e *openpgp.Entity) string {
	return fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}

// Signer 返回服务签名实体，未配置时为 nil
func (k *Keyring) Signer() *openpgp.Entity {
	return k.signer
}

// Import 导入 armor 格式的公钥，返回其指纹
func (k *Keyring) Import(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse key: %w", err)
	}
	if len(entities) != 1 {
		return "", fmt.Errorf("expected exactly one key, got %d", len(entities))
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := entities[0].Serialize(w); err != nil {
		return "", fmt.Errorf("serialize key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	fp := Fingerprint(entities[0])
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := os.WriteFile(k.path(fp), buf.Bytes(), 0600); err != nil {
		return "", fmt.Errorf("failed to write key: %w", err)
	}
	return fp, nil
}

// PublicKey 按指纹加载收件人公钥
func (k *Keyring) PublicKey(fingerprint string) (*openpgp.Entity, error) {
	fp := normalize(fingerprint)
	if !fingerprintRegex.MatchString(fp) {
		return nil, ErrInvalidFingerprint
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	f, err := os.Open(k.path(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	defer f.Close()

	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", fp, err)
	}
	if len(entities) == 0 {
		return nil, ErrKeyNotFound
	}
	return entities[0], nil
}

// Delete 删除公钥，文件不存在时视为成功
func (k *Keyring) Delete(fingerprint string) error {
	fp := normalize(fingerprint)
	if !fingerprintRegex.MatchString(fp) {
		return ErrInvalidFingerprint
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := os.Remove(k.path(fp)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (k *Keyring) path(fp string) string {
	return filepath.Join(k.dir, fp+".asc")
}

func normalize(fp string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(fp), " ", ""))
}
