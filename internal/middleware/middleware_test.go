package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	r := gin.New()
	r.Use(Logger())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	entries := logs.FilterMessage("HTTP请求").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "/test", entries[0].ContextMap()["path"])
		assert.Equal(t, int64(404), entries[0].ContextMap()["status"])
	}
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.ErrorLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	r := gin.New()
	r.Use(Recovery())

	// 添加一个会panic的路由
	r.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	req := httptest.NewRequest("GET", "/panic", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("请求处理发生panic").Len())
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS())

	// 预检请求
	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "http://admin.spa.test")
	req.Header.Set("Access-Control-Request-Method", "PATCH")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	// 普通跨域GET请求
	req = httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "http://admin.spa.test")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSetup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Setup(r)

	// 测试是否成功添加了所有中间件
	handlers := r.Handlers
	assert.Equal(t, 3, len(handlers)) // Logger, Recovery, CORS

	// 测试一个请求是否能正常通过所有中间件
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "http://admin.spa.test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name      string
		perMinute int
		burst     int
		requests  int
		limited   int
	}{
		{"突发额度内放行", 60, 3, 3, 0},
		{"超出突发额度", 60, 2, 5, 3},
		{"关闭限流", 0, 0, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(RateLimit(tt.perMinute, tt.burst))
			r.GET("/api/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			limited := 0
			for i := 0; i < tt.requests; i++ {
				req := httptest.NewRequest("GET", "/api/x", nil)
				req.RemoteAddr = "10.0.0.1:1234"
				w := httptest.NewRecorder()
				r.ServeHTTP(w, req)
				if w.Code == http.StatusTooManyRequests {
					limited++
				}
			}
			assert.Equal(t, tt.limited, limited)
		})
	}

	// 不同IP互不影响
	r := gin.New()
	r.Use(RateLimit(60, 1))
	r.GET("/api/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest("GET", "/api/x", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestLimiterStoreEvictsIdleIPs(t *testing.T) {
	clock := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	store := newLimiterStore(60, 2)
	store.now = func() time.Time { return clock }
	store.lastSweep = clock
	require.Equal(t, limiterIdleTTL, store.ttl)

	assert.True(t, store.allow("10.0.0.1"))
	assert.True(t, store.allow("10.0.0.2"))
	assert.Equal(t, 2, store.size())

	clock = clock.Add(5 * time.Minute)
	assert.True(t, store.allow("10.0.0.1"))
	assert.True(t, store.allow("10.0.0.1"))
	assert.False(t, store.allow("10.0.0.1"))
	assert.Equal(t, 2, store.size())

	// 10.0.0.2空闲超过ttl被清理
	clock = clock.Add(6 * time.Minute)
	assert.True(t, store.allow("10.0.0.3"))
	assert.Equal(t, 2, store.size())
	store.mu.Lock()
	_, kept := store.limiters["10.0.0.1"]
	_, evicted := store.limiters["10.0.0.2"]
	store.mu.Unlock()
	assert.True(t, kept)
	assert.False(t, evicted)
}

func TestLimiterStoreTTLCoversRefill(t *testing.T) {
	store := newLimiterStore(1, 30)
	assert.Equal(t, 30*time.Minute, store.ttl)
}
