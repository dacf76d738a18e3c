package notify

import (
	"context"
	"sync/atomic"

	"github.com/kasuganosora/guildsvc/cache"
	"go.uber.org/zap"
)

// GuildResolver returns the id of the guild a player belongs to, or 0.
type GuildResolver func(ctx context.Context, playerID string) int64

// Delivery is one message received by a Stream.
type Delivery struct {
	Envelope Envelope
	Raw      string
}

// Stream merges a player's private channel with the channel of the guild
// the player belongs to. The guild channel is re-resolved after membership
// events on either channel.
type Stream struct {
	ps       cache.PubSub
	resolve  GuildResolver
	playerID string
	logger   *zap.Logger

	out     chan Delivery
	guildID atomic.Int64

	playerCh    <-chan *cache.Message
	unsubPlayer func()
	guildCh     <-chan *cache.Message
	unsubGuild  func()
}

// MembershipEvent reports whether an event may have moved a listening
// player into or out of a guild.
func MembershipEvent(event string) bool {
	switch event {
	case EventMemberJoined, EventMemberLeft, EventMemberKicked, EventGuildDissolved:
		return true
	}
	return false
}

// Follow subscribes to playerID's channels. Both subscriptions are active
// when Follow returns. The stream ends when ctx is done or a subscription
// closes, after which C is closed.
func Follow(ctx context.Context, ps cache.PubSub, playerID string, resolve GuildResolver, logger *zap.Logger) (*Stream, error) {
	playerCh, unsub, err := ps.Subscribe(ctx, PlayerChannel(playerID))
	if err != nil {
		return nil, err
	}
	s := &Stream{
		ps:          ps,
		resolve:     resolve,
		playerID:    playerID,
		logger:      logger,
		out:         make(chan Delivery, 64),
		playerCh:    playerCh,
		unsubPlayer: unsub,
	}
	if err := s.follow(ctx, resolve(ctx, playerID)); err != nil {
		unsub()
		return nil, err
	}
	go s.run(ctx)
	return s, nil
}

// C delivers decoded messages in arrival order.
func (s *Stream) C() <-chan Delivery { return s.out }

// GuildID is the guild currently followed, or 0.
func (s *Stream) GuildID() int64 { return s.guildID.Load() }

func (s *Stream) run(ctx context.Context) {
	defer close(s.out)
	defer s.unsubPlayer()
	defer s.dropGuild()

	for {
		select {
		case msg, ok := <-s.playerCh:
			if !ok {
				return
			}
			d, ok := s.decode(msg)
			if !ok {
				continue
			}
			if !s.refollow(ctx, d) || !s.deliver(ctx, d) {
				return
			}

		case msg, ok := <-s.guildCh:
			if !ok {
				return
			}
			d, ok := s.decode(msg)
			if !ok {
				continue
			}
			if !s.refollow(ctx, d) || !s.deliver(ctx, d) {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// refollow moves the guild subscription before the reader sees a
// membership event. It reports false once the stream must stop.
func (s *Stream) refollow(ctx context.Context, d Delivery) bool {
	if !MembershipEvent(d.Envelope.Event) {
		return true
	}
	now := s.resolve(ctx, s.playerID)
	if now == s.GuildID() {
		return true
	}
	if err := s.follow(ctx, now); err != nil {
		s.logger.Error("stream resubscribe failed", zap.String("player", s.playerID), zap.Error(err))
		return false
	}
	return true
}

func (s *Stream) decode(msg *cache.Message) (Delivery, bool) {
	env, err := Decode(msg)
	if err != nil {
		s.logger.Warn("stream dropped undecodable message", zap.String("channel", msg.Channel), zap.Error(err))
		return Delivery{}, false
	}
	return Delivery{Envelope: env, Raw: msg.Payload}, true
}

// deliver reports false once the stream must stop.
func (s *Stream) deliver(ctx context.Context, d Delivery) bool {
	select {
	case s.out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// follow moves the guild subscription to guildID. A nil channel never
// delivers, which is what a player outside any guild needs.
func (s *Stream) follow(ctx context.Context, guildID int64) error {
	s.dropGuild()
	if guildID == 0 {
		return nil
	}
	ch, unsub, err := s.ps.Subscribe(ctx, GuildChannel(guildID))
	if err != nil {
		return err
	}
	s.guildCh, s.unsubGuild = ch, unsub
	s.guildID.Store(guildID)
	return nil
}

func (s *Stream) dropGuild() {
	if s.unsubGuild != nil {
		s.unsubGuild()
	}
	s.guildCh, s.unsubGuild = nil, nil
	s.guildID.Store(0)
}
