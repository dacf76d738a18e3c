package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is one player's WebSocket connection.
type Session struct {
	PlayerID   string
	PlayerName string

	Conn     *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}
	TraceID  string
	LastSeq  uint64

	limiter   *rate.Limiter
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewSession creates a Session and starts its write goroutine.
func NewSession(playerID, playerName string, conn *websocket.Conn, logger *zap.Logger) *Session {
	s := &Session{
		PlayerID:   playerID,
		PlayerName: playerName,
		Conn:       conn,
		SendChan:   make(chan []byte, sendChanBuf),
		Done:       make(chan struct{}),
		logger:     logger,
	}
	go s.writePump()
	return s
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data := <-s.SendChan:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error",
					zap.String("player", s.PlayerID),
					zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.Done:
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and sends it non-blocking. Drops if channel full or closed.
func (s *Session) Send(pkt *Packet) {
	if s.IsClosed() {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	s.SendRaw(data, pkt.Type)
}

// SendRaw queues pre-encoded bytes. typ is only used for logging.
func (s *Session) SendRaw(data []byte, typ string) {
	select {
	case s.SendChan <- data:
	case <-s.Done:
	default:
		if !s.IsClosed() {
			s.logger.Warn("send channel full, dropping packet",
				zap.String("player", s.PlayerID),
				zap.String("type", typ))
		}
	}
}

// Reply sends a packet of the given type with v as its payload.
func (s *Session) Reply(typ string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("ws reply encode failed", zap.String("type", typ), zap.Error(err))
		return
	}
	s.Send(&Packet{Type: typ, Payload: payload})
}

// Close signals the writePump to shut down.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// SetReadDeadline resets the WebSocket read deadline.
func (s *Session) SetReadDeadline() {
	_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadline))
}
