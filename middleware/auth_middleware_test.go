package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/cache/local"
	"github.com/kasuganosora/guildsvc/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func setupTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.CacheConfig{})
	require.NoError(t, err)
	if lc, ok := c.(*local.LocalCache); ok {
		t.Cleanup(lc.Close)
	}
	return c
}

func newProtectedRouter(c cache.Cache) *gin.Engine {
	r := gin.New()
	r.Use(Auth(config.SecurityConfig{JWTSecret: testSecret}, c))
	r.GET("/me", func(ctx *gin.Context) {
		id, name := GetPlayer(ctx)
		ctx.JSON(http.StatusOK, gin.H{"id": id, "name": name})
	})
	return r
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingToken(t *testing.T) {
	r := newProtectedRouter(setupTestCache(t))
	w := get(r, "/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_InvalidToken(t *testing.T) {
	r := newProtectedRouter(setupTestCache(t))
	w := get(r, "/me", "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidToken(t *testing.T) {
	r := newProtectedRouter(setupTestCache(t))
	tok, err := GenerateToken(alicePID, "Alice", testSecret, time.Hour)
	require.NoError(t, err)

	w := get(r, "/me", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), alicePID)
	assert.Contains(t, w.Body.String(), "Alice")
}

func TestAuth_RevokedToken(t *testing.T) {
	c := setupTestCache(t)
	r := newProtectedRouter(c)
	tok, err := GenerateToken(alicePID, "Alice", testSecret, time.Hour)
	require.NoError(t, err)
	claims, err := ParseToken(tok, testSecret)
	require.NoError(t, err)

	require.NoError(t, Revoke(context.Background(), c, claims))

	w := get(r, "/me", tok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "revoked")

	// Other tokens of the same player still work.
	other, err := GenerateToken(alicePID, "Alice", testSecret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(r, "/me", other).Code)
}

func TestAdminKey(t *testing.T) {
	r := gin.New()
	r.Use(AdminKey("s3cret"))
	r.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if key != "" {
			req.Header.Set(AdminKeyHeader, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send("s3cret"))
	assert.Equal(t, http.StatusUnauthorized, send("wrong"))
	assert.Equal(t, http.StatusUnauthorized, send(""))
}

func TestAdminKey_BcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	r := gin.New()
	r.Use(AdminKey(string(hash)))
	r.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if key != "" {
			req.Header.Set(AdminKeyHeader, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send("s3cret"))
	assert.Equal(t, http.StatusUnauthorized, send(string(hash)))
	assert.Equal(t, http.StatusUnauthorized, send(""))
}

func TestAdminKey_EmptyDisables(t *testing.T) {
	r := gin.New()
	r.Use(AdminKey(""))
	r.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(TraceID(), Recovery(zap.NewNop()))
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := get(r, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "trace_id")
}

func TestLogger(t *testing.T) {
	r := gin.New()
	r.Use(Logger(zap.NewNop()))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	assert.Equal(t, http.StatusOK, get(r, "/ok", "").Code)
	w := get(r, "/bad", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, strings.Contains(w.Body.String(), "panic"))
}
