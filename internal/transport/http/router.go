package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/monitoring"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config  *config.Config
	Aliases AliasDeactivator
	Links   LinkVerifier
	Health  http.Handler // 提供 /live 与 /ready，可以为 nil
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(RecoveryHandler(log))
	router.Use(RequestLogger(log))
	router.Use(SecurityHeaders())
	if deps.Metrics != nil {
		router.Use(HTTPMetrics(deps.Metrics))
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		router.Use(gincors.New(corsConfig))
	}

	if deps.Health != nil {
		router.Any("/health/*check", gin.WrapH(http.StripPrefix("/health", deps.Health)))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	deactivate := NewDeactivateHandler(deps.Aliases, deps.Links, deps.Metrics, log)
	perSecond := deps.Config.Server.DeactivateRate
	router.GET("/deactivate/:id",
		RateLimitByIP(perSecond, int(perSecond)+1, log),
		deactivate.Deactivate,
	)

	return router
}
