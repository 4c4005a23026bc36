package httptransport

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/monitoring"
	"aliasrelay/backend/internal/storage"
)

// AliasDeactivator 停用别名所需的操作
type AliasDeactivator interface {
	Get(ctx context.Context, id string) (*domain.Alias, error)
	Deactivate(ctx context.Context, aliasID string) error
}

// LinkVerifier 校验停用链接签名
type LinkVerifier interface {
	Verify(token, aliasID string) error
}

// DeactivateHandler 处理邮件中 List-Unsubscribe 链接的一键停用
type DeactivateHandler struct {
	aliases AliasDeactivator
	links   LinkVerifier
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewDeactivateHandler 创建停用处理器
func NewDeactivateHandler(aliases AliasDeactivator, links LinkVerifier, metrics *monitoring.Metrics, log *zap.Logger) *DeactivateHandler {
	return &DeactivateHandler{aliases: aliases, links: links, metrics: metrics, log: log}
}

type deactivateResponse struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

// Deactivate 校验签名后停用别名，重复停用返回成功
func (h *DeactivateHandler) Deactivate(c *gin.Context) {
	aliasID := c.Param("id")
	signature := c.Query("signature")
	if signature == "" {
		BadRequest(c, MsgSignatureRequired)
		return
	}

	if err := h.links.Verify(signature, aliasID); err != nil {
		h.log.Info("deactivation link rejected", zap.String("alias_id", aliasID), zap.Error(err))
		Forbidden(c, GetErrorMessage(err))
		return
	}

	ctx := c.Request.Context()
	alias, err := h.aliases.Get(ctx, aliasID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(c, MsgAliasNotFound)
			return
		}
		h.log.Error("failed to load alias", zap.String("alias_id", aliasID), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	if alias.Active {
		if err := h.aliases.Deactivate(ctx, aliasID); err != nil {
			h.log.Error("failed to deactivate alias", zap.String("alias_id", aliasID), zap.Error(err))
			InternalError(c, GetErrorMessage(err))
			return
		}
		h.log.Info("alias deactivated", zap.String("alias_id", aliasID), zap.String("user_id", alias.UserID))
		if h.metrics != nil {
			h.metrics.RecordAliasDeactivated("link")
		}
	}

	SuccessWithMsg(c, MsgAliasDeactivated, deactivateResponse{ID: alias.ID, Email: alias.Email(), Active: false})
}
