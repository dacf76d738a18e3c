package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const AdminKeyHeader = "X-Admin-Key"

// AdminKey guards operator routes with a shared key. An empty key disables
// the routes. A key starting with "$2" is treated as a bcrypt hash.
func AdminKey(key string) gin.HandlerFunc {
	match := keyMatcher(key)
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		if !match(c.GetHeader(AdminKeyHeader)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

func keyMatcher(key string) func(got string) bool {
	if strings.HasPrefix(key, "$2") {
		hash := []byte(key)
		return func(got string) bool {
			return got != "" && bcrypt.CompareHashAndPassword(hash, []byte(got)) == nil
		}
	}
	return func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
	}
}
