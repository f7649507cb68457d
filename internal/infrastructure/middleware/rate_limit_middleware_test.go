package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"sfusignal/pkg/config"
)

func serve(router *gin.Engine, req *http.Request) int {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func limitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestHTTPRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Admin.RateLimitEnabled = false
	router := limitedRouter(cfg)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		assert.Equal(t, http.StatusOK, serve(router, req))
	}
}

func TestHTTPRateLimitMiddleware_PerIP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Admin.RateLimitEnabled = true
	cfg.Admin.RequestsPerSecond = 1
	cfg.Admin.Burst = 1
	cfg.Admin.MaxConcurrent = 0
	router := limitedRouter(cfg)

	req := func(remote string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/test", nil)
		r.RemoteAddr = remote
		return r
	}

	assert.Equal(t, http.StatusOK, serve(router, req("10.0.0.1:1000")))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, req("10.0.0.1:1001")))
	assert.Equal(t, http.StatusOK, serve(router, req("10.0.0.2:1000")))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5000"
	assert.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))

	r.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.1", clientIP(r))
}
