// Package notify pushes guild events to online players over pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/model"
	"go.uber.org/zap"
)

// Event names carried in Envelope.Event.
const (
	EventGuildUpdated         = "guild_updated"
	EventGuildDissolved       = "guild_dissolved"
	EventLevelChanged         = "guild_level_changed"
	EventCapacityChanged      = "guild_capacity_changed"
	EventMemberJoined         = "member_joined"
	EventMemberLeft           = "member_left"
	EventMemberKicked         = "member_kicked"
	EventRoleChanged          = "member_role_changed"
	EventApplicationSubmitted = "application_submitted"
	EventApplicationRejected  = "application_rejected"
	EventInvitation           = "guild_invitation"
	EventInvitationDeclined   = "invitation_declined"
	EventInvitationCancelled  = "invitation_cancelled"
	EventRelationProposed     = "relation_proposed"
	EventRelationActivated    = "relation_activated"
	EventRelationTerminated   = "relation_terminated"
	EventWarDeclared          = "war_declared"
	EventWarStatus            = "war_status"
)

// Notifier delivers events to the members of a guild or to one player.
// Delivery is best effort.
type Notifier interface {
	NotifyGuild(ctx context.Context, guildID int64, event string, payload any) error
	NotifyPlayer(ctx context.Context, playerID, event string, payload any) error
}

// Envelope is the JSON document published on a channel.
type Envelope struct {
	Event    string          `json:"event"`
	GuildID  int64           `json:"guild_id,omitempty"`
	PlayerID string          `json:"player_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       string          `json:"at"`
}

// GuildChannel is the channel all members of a guild listen on.
func GuildChannel(guildID int64) string { return "guild:" + strconv.FormatInt(guildID, 10) }

// PlayerChannel is a player's private channel.
func PlayerChannel(playerID string) string { return "player:" + playerID }

type discard struct{}

func (discard) NotifyGuild(context.Context, int64, string, any) error   { return nil }
func (discard) NotifyPlayer(context.Context, string, string, any) error { return nil }

// Discard drops every notification.
var Discard Notifier = discard{}

// PubSubNotifier publishes envelopes through a cache.PubSub.
type PubSubNotifier struct {
	ps     cache.PubSub
	logger *zap.Logger
	now    func() time.Time
}

// NewPubSubNotifier creates a PubSubNotifier.
func NewPubSubNotifier(ps cache.PubSub, logger *zap.Logger) *PubSubNotifier {
	return &PubSubNotifier{ps: ps, logger: logger, now: time.Now}
}

// NotifyGuild publishes on GuildChannel(guildID).
func (n *PubSubNotifier) NotifyGuild(ctx context.Context, guildID int64, event string, payload any) error {
	return n.publish(ctx, GuildChannel(guildID), Envelope{Event: event, GuildID: guildID}, payload)
}

// NotifyPlayer publishes on PlayerChannel(playerID).
func (n *PubSubNotifier) NotifyPlayer(ctx context.Context, playerID, event string, payload any) error {
	return n.publish(ctx, PlayerChannel(playerID), Envelope{Event: event, PlayerID: playerID}, payload)
}

func (n *PubSubNotifier) publish(ctx context.Context, channel string, env Envelope, payload any) error {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("notify: encode %s payload: %w", env.Event, err)
		}
		env.Payload = raw
	}
	env.At = model.FormatTime(n.now())
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notify: encode envelope: %w", err)
	}
	if err := n.ps.Publish(ctx, channel, string(data)); err != nil {
		return fmt.Errorf("notify: publish %s: %w", channel, err)
	}
	n.logger.Debug("notification published", zap.String("channel", channel), zap.String("event", env.Event))
	return nil
}

// Decode parses a message received on a guild or player channel.
func Decode(msg *cache.Message) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal([]byte(msg.Payload), &env)
	return env, err
}
