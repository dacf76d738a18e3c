package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildsvc/guild"
)

// statusOf maps a guild error kind to its HTTP status.
func statusOf(err error) int {
	switch guild.KindOf(err) {
	case guild.KindValidation:
		return http.StatusBadRequest
	case guild.KindPermission:
		return http.StatusForbidden
	case guild.KindNotFound:
		return http.StatusNotFound
	case guild.KindConflict:
		return http.StatusConflict
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error(), "kind": guild.KindOf(err).String()}
	if status == http.StatusInternalServerError {
		// Storage details stay in the server log.
		body["error"] = "internal error"
		_ = c.Error(err)
	}
	if guild.IsPartial(err) {
		body["partial"] = true
	}
	c.JSON(status, body)
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}
