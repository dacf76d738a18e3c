package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/config"
	mw "github.com/kasuganosora/guildsvc/middleware"
	"go.uber.org/zap"
)

// AuthHandler handles player session tokens. Accounts live in the game
// backend, which mints tokens through the admin route.
type AuthHandler struct {
	cache  cache.Cache
	sec    config.SecurityConfig
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{cache: c, sec: sec, logger: logger}
}

// Register mounts logout and refresh on an authenticated group.
func (h *AuthHandler) Register(api *gin.RouterGroup) {
	api.POST("/auth/logout", h.Logout)
	api.POST("/auth/refresh", h.Refresh)
}

// RegisterAdmin mounts token issuance on the admin group.
func (h *AuthHandler) RegisterAdmin(admin *gin.RouterGroup) {
	admin.POST("/tokens", h.Issue)
}

type issueRequest struct {
	PlayerID   string `json:"player_id" binding:"required"`
	PlayerName string `json:"player_name" binding:"required,max=32"`
}

// Issue handles POST /api/admin/tokens.
func (h *AuthHandler) Issue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := uuid.Parse(req.PlayerID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "player_id must be a uuid"})
		return
	}
	token, err := mw.GenerateToken(req.PlayerID, req.PlayerName, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(h.sec.JWTTTLH / time.Second),
	})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := mw.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := mw.Revoke(ctx, h.cache, claims); err != nil {
		h.logger.Warn("token revoke failed", zap.String("player", claims.PlayerID()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The presented token is revoked
// once the replacement is signed.
func (h *AuthHandler) Refresh(c *gin.Context) {
	claims := mw.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	newToken, err := mw.GenerateToken(claims.PlayerID(), claims.PlayerName, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := mw.Revoke(ctx, h.cache, claims); err != nil {
		h.logger.Warn("token revoke failed", zap.String("player", claims.PlayerID()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": newToken})
}
