package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 可以检测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker 存储层健康检查接口
type StoreChecker interface {
	Health() error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  StoreChecker
	redis  Pinger
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器，redis 可以为 nil
func NewHealthChecker(store StoreChecker, redis Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		redis:  redis,
		logger: logger,
	}

	// 添加健康检查
	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))

	hc.health.AddReadinessCheck("database", healthcheck.Timeout(hc.store.Health, 5*time.Second))

	if hc.redis != nil {
		hc.health.AddReadinessCheck("redis", RedisHealthCheck(hc.redis))
	}
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// CheckHealth 执行健康检查
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		hc.logger.Warn("database health check failed", zap.Error(err))
		results["database"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["database"] = "OK"
	}

	if hc.redis == nil {
		results["redis"] = "NOT_AVAILABLE"
	} else if err := RedisHealthCheck(hc.redis)(); err != nil {
		results["redis"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["redis"] = "OK"
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// RedisHealthCheck Redis 健康检查
func RedisHealthCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return p.Ping(ctx)
	}
}
