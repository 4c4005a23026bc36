package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aliasrelay/backend/internal/auth/jwt"
	"aliasrelay/backend/internal/config"
	"aliasrelay/backend/internal/domain"
	"aliasrelay/backend/internal/health"
	"aliasrelay/backend/internal/monitoring"
	"aliasrelay/backend/internal/service"
	"aliasrelay/backend/internal/storage/memory"
)

type testServer struct {
	engine  *gin.Engine
	store   *memory.Store
	links   *jwt.Manager
	metrics *monitoring.Metrics
	alias   *domain.Alias
}

func newTestServer(t *testing.T, ratePerSecond float64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	alias, created, err := store.CreateAliasIfAbsent(context.Background(), &domain.Alias{
		UserID:    "u-alice",
		LocalPart: "shop",
		Domain:    "alice.aliasrelay.test",
		Active:    true,
	})
	require.NoError(t, err)
	require.True(t, created)

	links, err := jwt.NewManager(strings.Repeat("k", 32), "https://app.aliasrelay.test", 0)
	require.NoError(t, err)

	metrics := monitoring.NewMetrics()
	cfg := &config.Config{
		Server: config.ServerConfig{DeactivateRate: ratePerSecond},
		CORS:   config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	engine := NewRouter(RouterDependencies{
		Config:  cfg,
		Aliases: service.NewAliasRegistry(store, store),
		Links:   links,
		Health:  health.NewHealthChecker(store, nil, nil).Handler(),
		Metrics: metrics,
	})
	return &testServer{engine: engine, store: store, links: links, metrics: metrics, alias: alias}
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) signedPath(t *testing.T, aliasID string) string {
	t.Helper()
	link, err := s.links.DeactivationURL(aliasID)
	require.NoError(t, err)
	return strings.TrimPrefix(link, "https://app.aliasrelay.test")
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()

	t.Run("有效签名停用别名", func(t *testing.T) {
		s := newTestServer(t, 0)

		w := s.get(s.signedPath(t, s.alias.ID))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, MsgAliasDeactivated, decode(t, w).Msg)
		got, err := s.store.GetAlias(ctx, s.alias.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
	})

	t.Run("重复停用仍返回成功", func(t *testing.T) {
		s := newTestServer(t, 0)
		path := s.signedPath(t, s.alias.ID)

		assert.Equal(t, http.StatusOK, s.get(path).Code)
		assert.Equal(t, http.StatusOK, s.get(path).Code)
	})

	t.Run("缺少签名", func(t *testing.T) {
		s := newTestServer(t, 0)

		w := s.get("/deactivate/" + s.alias.ID)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, MsgSignatureRequired, decode(t, w).Msg)
	})

	t.Run("其他别名的签名被拒绝", func(t *testing.T) {
		s := newTestServer(t, 0)
		other := s.signedPath(t, "7d6f0c1e-3b0a-4f43-9d4c-2f1e0a9b8c7d")
		signature := other[strings.Index(other, "?"):]

		w := s.get("/deactivate/" + s.alias.ID + signature)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, MsgSignatureInvalid, decode(t, w).Msg)
		got, err := s.store.GetAlias(ctx, s.alias.ID)
		require.NoError(t, err)
		assert.True(t, got.Active)
	})

	t.Run("篡改的签名被拒绝", func(t *testing.T) {
		s := newTestServer(t, 0)

		w := s.get("/deactivate/" + s.alias.ID + "?signature=not-a-token")

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("别名不存在", func(t *testing.T) {
		s := newTestServer(t, 0)

		w := s.get(s.signedPath(t, "7d6f0c1e-3b0a-4f43-9d4c-2f1e0a9b8c7d"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, MsgAliasNotFound, decode(t, w).Msg)
	})
}

func TestDeactivate_RateLimit(t *testing.T) {
	s := newTestServer(t, 1)
	path := "/deactivate/" + s.alias.ID

	// 每秒 1 次，突发 2 次
	assert.Equal(t, http.StatusBadRequest, s.get(path).Code)
	assert.Equal(t, http.StatusBadRequest, s.get(path).Code)

	w := s.get(path)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, 0)

	t.Run("存活检查", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, s.get("/health/live").Code)
	})

	t.Run("就绪检查", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, s.get("/health/ready").Code)
	})

	t.Run("指标暴露", func(t *testing.T) {
		s.get(s.signedPath(t, s.alias.ID))

		w := s.get("/metrics")
		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.Contains(t, body, "aliasrelay_http_requests_total")
		assert.Contains(t, body, `endpoint="/deactivate/:id"`)
		assert.Contains(t, body, `aliasrelay_aliases_deactivated_total{source="link"} 1`)
	})
}
