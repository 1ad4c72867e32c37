package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"carelink/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewJoinRateLimitMiddleware(cfg))
	router.GET("/ws/telehealth/:room", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, path, remote string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	router.ServeHTTP(w, req)
	return w.Code
}

func TestJoinRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg)

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, get(router, "/ws/telehealth/X", "10.0.0.1:1234"))
	}
}

func TestJoinRateLimitMiddleware_Enabled_RateLimitedPerIP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.JoinsPerMinute = 1
	cfg.RateLimiting.JoinBurst = 1
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "/ws/telehealth/X", "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, get(router, "/ws/telehealth/X", "10.0.0.1:5678"))
	assert.Equal(t, http.StatusOK, get(router, "/ws/telehealth/X", "10.0.0.2:1234"), "other clients keep their own budget")
}
