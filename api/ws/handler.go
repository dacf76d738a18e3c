// Package ws is the realtime guild gateway: guild notifications are pushed
// to connected players and guild commands are accepted over the same socket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
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

// Handler is the Gin handler for GET /api/ws.
type Handler struct {
	cache    cache.Cache
	pubsub   cache.PubSub
	members  MemberLookup
	sec      config.SecurityConfig
	sm       *SessionManager
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	c cache.Cache,
	pubsub cache.PubSub,
	members MemberLookup,
	sec config.SecurityConfig,
	sm *SessionManager,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		cache:   c,
		pubsub:  pubsub,
		members: members,
		sec:     sec,
		sm:      sm,
		router:  router,
		logger:  logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			return slices.Contains(allowed, r.Header.Get("Origin"))
		},
	}
	return h
}

// ServeWS handles GET /api/ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
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
	revoked, err := mw.IsRevoked(ctx, h.cache, claims)
	cancel()
	if err != nil || revoked {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session revoked"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := NewSession(claims.PlayerID(), claims.PlayerName, conn, h.logger)
	h.sm.Register(sess)

	// The request context is not canceled when a hijacked connection drops.
	connCtx, stop := context.WithCancel(context.Background())
	defer stop()

	stream, err := notify.Follow(connCtx, h.pubsub, sess.PlayerID, h.guildOf, h.logger)
	if err != nil {
		h.logger.Error("ws subscribe failed", zap.String("player", sess.PlayerID), zap.Error(err))
		h.handleDisconnect(sess)
		return
	}
	sess.Reply("connected", map[string]any{"player_id": sess.PlayerID, "guild_id": stream.GuildID()})
	go h.relay(sess, stream)
	if err := h.members.NotifyWars(connCtx, sess.PlayerID); err != nil && guild.KindOf(err) != guild.KindNotFound {
		h.logger.Warn("ws war scan failed", zap.String("player", sess.PlayerID), zap.Error(err))
	}

	h.readPump(connCtx, sess)
}

// relay pushes stream deliveries to the client as packets named after the
// event, with the envelope as payload.
func (h *Handler) relay(s *Session, stream *notify.Stream) {
	for d := range stream.C() {
		s.Send(&Packet{Type: d.Envelope.Event, Payload: json.RawMessage(d.Raw)})
	}
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(ctx context.Context, s *Session) {
	defer h.handleDisconnect(s)

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.String("player", s.PlayerID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.SetReadDeadline()
		h.router.Dispatch(ctx, s, raw)
	}
}

func (h *Handler) handleDisconnect(s *Session) {
	s.Close()
	h.sm.Unregister(s)
	h.logger.Info("player disconnected", zap.String("player", s.PlayerID))
}

func (h *Handler) guildOf(ctx context.Context, playerID string) int64 {
	m, err := h.members.GetMember(ctx, playerID)
	if err != nil {
		if guild.KindOf(err) != guild.KindNotFound {
			h.logger.Warn("ws membership lookup failed", zap.String("player", playerID), zap.Error(err))
		}
		return 0
	}
	return m.GuildID
}
