package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"example.com/monosecom/services/telemetry/internal/core"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func perform(router *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTokenAuthenticationRejectsBadHeaders(t *testing.T) {
	router := gin.New()
	router.Use(TokenAuthentication(nil))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := perform(router, http.MethodGet, "/x", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = perform(router, http.MethodGet, "/x", map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = perform(router, http.MethodGet, "/x", map[string]string{"Authorization": "Bearer"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireScope(t *testing.T) {
	auth := core.NewAuthenticationService(nil, testLogger())

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("access_token", &core.AccessToken{Scopes: core.ScopeList{"devices:read"}})
	})
	router.GET("/read", RequireScope(auth, "devices:read"), func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/write", RequireScope(auth, "devices:write"), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, perform(router, http.MethodGet, "/read", nil).Code)
	assert.Equal(t, http.StatusForbidden, perform(router, http.MethodGet, "/write", nil).Code)
}

func TestRequireScopeWithoutToken(t *testing.T) {
	auth := core.NewAuthenticationService(nil, testLogger())

	router := gin.New()
	router.GET("/x", RequireScope(auth, "devices:read"), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, perform(router, http.MethodGet, "/x", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	router := gin.New()
	router.Use(CORS())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := perform(router, http.MethodOptions, "/x", map[string]string{"Origin": "https://console.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = perform(router, http.MethodGet, "/x", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	router := gin.New()
	router.Use(RateLimiter(3))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, perform(router, http.MethodGet, "/x", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, perform(router, http.MethodGet, "/x", nil).Code)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(testLogger()))
	router.GET("/boom", func(c *gin.Context) { panic("unexpected") })

	w := perform(router, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
