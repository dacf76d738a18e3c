package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandlerFunc processes the payload of one command packet.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) error

// Router maps packet types to command handlers. Commands arriving after the
// upgrade bypass the HTTP rate limiter, so the router meters each session
// on its own.
type Router struct {
	handlers map[string]HandlerFunc
	rps      rate.Limit
	burst    int
	logger   *zap.Logger
}

// NewRouter creates a Router without a command limit.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		rps:      rate.Inf,
		logger:   logger,
	}
}

// Limit caps commands per session. A non-positive rps disables the cap.
func (r *Router) Limit(rps rate.Limit, burst int) {
	if rps <= 0 {
		r.rps, r.burst = rate.Inf, 0
		return
	}
	r.rps, r.burst = rps, max(burst, 1)
}

// On registers fn for typ, replacing any earlier handler.
func (r *Router) On(typ string, fn HandlerFunc) {
	r.handlers[typ] = fn
}

// Dispatch decodes one packet and runs its handler. Only the session's read
// goroutine may call it.
func (r *Router) Dispatch(ctx context.Context, s *Session, raw []byte) {
	var pkt Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("ws malformed packet", zap.String("player", s.PlayerID), zap.Error(err))
		return
	}

	// seq 0 opts out of replay tracking.
	if pkt.Seq != 0 {
		if pkt.Seq <= s.LastSeq {
			r.logger.Warn("ws replayed packet",
				zap.String("player", s.PlayerID),
				zap.Uint64("seq", pkt.Seq),
				zap.Uint64("last_seq", s.LastSeq))
			return
		}
		s.LastSeq = pkt.Seq
	}

	if !r.allow(s) {
		s.Reply("error", errorReply{Error: "too many commands", Kind: "rate_limited", Type: pkt.Type})
		return
	}

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("ws unknown packet type", zap.String("type", pkt.Type), zap.String("player", s.PlayerID))
		s.Reply("error", errorReply{Error: "unknown message type", Kind: "unknown_type", Type: pkt.Type})
		return
	}

	s.TraceID = uuid.NewString()
	ctx = context.WithValue(ctx, ctxKeyTraceID{}, s.TraceID)
	r.run(ctx, s, pkt, fn)
}

func (r *Router) allow(s *Session) bool {
	if r.rps == rate.Inf {
		return true
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(r.rps, r.burst)
	}
	return s.limiter.Allow()
}

// run keeps a panicking command from tearing down the read pump.
func (r *Router) run(ctx context.Context, s *Session, pkt Packet, fn HandlerFunc) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("ws command panic",
				zap.String("type", pkt.Type),
				zap.String("player", s.PlayerID),
				zap.String("trace_id", s.TraceID),
				zap.Any("panic", v),
				zap.Stack("stack"))
			s.Reply("error", errorReply{Error: "internal error", Kind: "internal", Type: pkt.Type})
		}
	}()
	if err := fn(ctx, s, pkt.Payload); err != nil {
		r.logger.Error("ws command failed",
			zap.String("type", pkt.Type),
			zap.String("player", s.PlayerID),
			zap.String("trace_id", s.TraceID),
			zap.Error(err))
	}
}

type errorReply struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Type  string `json:"type,omitempty"`
}

type ctxKeyTraceID struct{}

// TraceIDFromCtx returns the trace id of the command being handled.
func TraceIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTraceID{}).(string)
	return v
}
