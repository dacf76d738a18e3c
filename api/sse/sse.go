package sse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/config"
	"github.com/kasuganosora/guildsvc/guild"
	mw "github.com/kasuganosora/guildsvc/middleware"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"go.uber.org/zap"
)

// MemberLookup resolves the guild a player currently belongs to and
// publishes the wars that guild is in.
type MemberLookup interface {
	GetMember(ctx context.Context, playerID string) (*model.GuildMember, error)
	NotifyWars(ctx context.Context, playerID string) error
}

// Handler streams guild notifications to players.
type Handler struct {
	pubsub    cache.PubSub
	c         cache.Cache
	members   MemberLookup
	sec       config.SecurityConfig
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, c cache.Cache, members MemberLookup, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, members: members, sec: sec, keepalive: 30 * time.Second, logger: logger}
}

// ServeSSE handles GET /api/events?token=<jwt>.
// It streams the player's private channel and the channel of the guild the
// player belongs to, starting with the guild's current wars.
func (h *Handler) ServeSSE(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	revoked, err := mw.IsRevoked(ctx, h.c, claims)
	cancel()
	if err != nil || revoked {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session revoked"})
		return
	}
	playerID := claims.PlayerID()
	reqCtx := c.Request.Context()

	stream, err := notify.Follow(reqCtx, h.pubsub, playerID, h.guildOf, h.logger)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.String("player", playerID), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	// Set SSE headers.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"guild_id\":%d}\n\n", stream.GuildID())
	c.Writer.Flush()
	h.notifyWars(reqCtx, playerID)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case d, ok := <-stream.C():
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", d.Envelope.Event, d.Raw)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-reqCtx.Done():
			return
		}
	}
}

func (h *Handler) notifyWars(ctx context.Context, playerID string) {
	if err := h.members.NotifyWars(ctx, playerID); err != nil && guild.KindOf(err) != guild.KindNotFound {
		h.logger.Warn("sse war scan failed", zap.String("player", playerID), zap.Error(err))
	}
}

func (h *Handler) guildOf(ctx context.Context, playerID string) int64 {
	m, err := h.members.GetMember(ctx, playerID)
	if err != nil {
		if guild.KindOf(err) != guild.KindNotFound {
			h.logger.Warn("sse membership lookup failed", zap.String("player", playerID), zap.Error(err))
		}
		return 0
	}
	return m.GuildID
}
