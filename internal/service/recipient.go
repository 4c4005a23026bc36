package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/storage"
)

// KeyRemover 从密钥环中删除公钥
type KeyRemover interface {
	Delete(fingerprint string) error
}

// RecipientService 收件人相关操作
type RecipientService struct {
	recipients storage.RecipientRepository
	keys       KeyRemover
	log        *zap.Logger
}

// NewRecipientService 创建收件人服务，keys 可以为 nil
func NewRecipientService(recipients storage.RecipientRepository, keys KeyRemover, log *zap.Logger) *RecipientService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RecipientService{recipients: recipients, keys: keys, log: log}
}

// IsVerifiedSender 判断地址是否为用户的某个已验证收件人
func (s *RecipientService) IsVerifiedSender(ctx context.Context, user *domain.User, address string) (bool, error) {
	if address == "" {
		return false, nil
	}
	recipients, err := s.recipients.ListRecipientsByUserID(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("list recipients: %w", err)
	}
	for i := range recipients {
		if recipients[i].Verified() && recipients[i].Matches(address) {
			return true, nil
		}
	}
	return false, nil
}

// DisableEncryption 持久化关闭收件人的加密选项
func (s *RecipientService) DisableEncryption(ctx context.Context, recipient *domain.Recipient) error {
	if err := s.recipients.DisableEncryption(ctx, recipient.ID); err != nil {
		return fmt.Errorf("disable encryption: %w", err)
	}
	recipient.ShouldEncrypt = false
	return nil
}

// Delete 在一个事务内删除收件人：解除别名关联、清空默认收件人引用并删除密钥环中的公钥。
// 删除公钥失败时整个操作回滚。
func (s *RecipientService) Delete(ctx context.Context, recipientID string) error {
	err := s.recipients.DeleteRecipient(ctx, recipientID, func(r *domain.Recipient) error {
		if s.keys == nil || r.Fingerprint == nil || *r.Fingerprint == "" {
			return nil
		}
		if err := s.keys.Delete(*r.Fingerprint); err != nil {
			return fmt.Errorf("remove key %s: %w", *r.Fingerprint, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete recipient: %w", err)
	}
	s.log.Info("recipient deleted", zap.String("recipient_id", recipientID))
	return nil
}
