package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/config"
)

const (
	PlayerIDKey   = "player_id"
	PlayerNameKey = "player_name"
	ClaimsKey     = "jwt_claims"
)

func revokedKey(tokenID string) string { return "jwt:revoked:" + tokenID }

// Auth validates the Bearer JWT token and rejects tokens revoked in the cache.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := ParseToken(strings.TrimPrefix(header, "Bearer "), sec.JWTSecret)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		cacheCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
		defer cancel()
		revoked, err := IsRevoked(cacheCtx, c, claims)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session check unavailable"})
			return
		}
		if revoked {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session revoked"})
			return
		}

		ctx.Set(PlayerIDKey, claims.PlayerID())
		ctx.Set(PlayerNameKey, claims.PlayerName)
		ctx.Set(ClaimsKey, claims)
		ctx.Next()
	}
}

// Revoke blocks a token until it would have expired anyway.
func Revoke(ctx context.Context, c cache.Cache, claims *Claims) error {
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}
	return c.Set(ctx, revokedKey(claims.ID), "1", ttl)
}

// IsRevoked reports whether the token was revoked before its expiry.
func IsRevoked(ctx context.Context, c cache.Cache, claims *Claims) (bool, error) {
	return c.Exists(ctx, revokedKey(claims.ID))
}

// GetPlayer retrieves the authenticated player's uuid and name from the Gin context.
func GetPlayer(c *gin.Context) (id, name string) {
	return c.GetString(PlayerIDKey), c.GetString(PlayerNameKey)
}

// GetClaims returns the verified token claims, or nil outside Auth.
func GetClaims(c *gin.Context) *Claims {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}
