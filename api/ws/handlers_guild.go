package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/guildsvc/guild"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/permission"
)

// Result is the payload of a "<type>_result" reply.
type Result struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Partial bool   `json:"partial,omitempty"`
	Data    any    `json:"data,omitempty"`
}

var errBadPayload = errors.New("malformed payload")

// GuildCommands serves guild operations over the socket. Mutations run on
// the executor and pass the same capability checks as their REST
// counterparts.
type GuildCommands struct {
	svc   *guild.Service
	exec  *guild.Executor
	perms *permission.Resolver
}

// NewGuildCommands creates GuildCommands.
func NewGuildCommands(svc *guild.Service, exec *guild.Executor, perms *permission.Resolver) *GuildCommands {
	return &GuildCommands{svc: svc, exec: exec, perms: perms}
}

// doWith runs op on the executor once s holds capability.
func (g *GuildCommands) doWith(ctx context.Context, s *Session, name string, capability permission.Capability, op func(context.Context) error) error {
	return g.exec.Do(ctx, name, func(ctx context.Context) error {
		if err := g.perms.Require(ctx, s.PlayerID, capability); err != nil {
			return err
		}
		return op(ctx)
	})
}

// Register installs the command handlers on r.
func (g *GuildCommands) Register(r *Router) {
	r.On("ping", g.ping)
	r.On("guild_info", g.command("guild_info", g.info))
	r.On("guild_apply", g.command("guild_apply", g.apply))
	r.On("guild_leave", g.command("guild_leave", g.leave))
	r.On("guild_kick", g.command("guild_kick", g.kick))
	r.On("guild_invite", g.command("guild_invite", g.invite))
	r.On("guild_invite_respond", g.command("guild_invite_respond", g.respond))
	r.On("guild_review", g.command("guild_review", g.review))
}

type commandFunc func(ctx context.Context, s *Session, payload json.RawMessage) (any, error)

// command wraps fn so every request gets exactly one "<typ>_result" reply.
// Guild errors are reported to the client, not to the router.
func (g *GuildCommands) command(typ string, fn commandFunc) HandlerFunc {
	return func(ctx context.Context, s *Session, payload json.RawMessage) error {
		data, err := fn(ctx, s, payload)
		switch {
		case err == nil:
			s.Reply(typ+"_result", Result{OK: true, Data: data})
		case errors.Is(err, errBadPayload):
			s.Reply(typ+"_result", Result{Error: err.Error(), Kind: "bad_request"})
		default:
			res := Result{Error: err.Error(), Kind: guild.KindOf(err).String(), Partial: guild.IsPartial(err)}
			if k := guild.KindOf(err); k == guild.KindStorage || k == guild.KindUnknown {
				// Storage details stay in the server log.
				res.Error = "internal error"
				s.Reply(typ+"_result", res)
				return err
			}
			s.Reply(typ+"_result", res)
		}
		return nil
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errBadPayload
	}
	return nil
}

func (g *GuildCommands) ping(_ context.Context, s *Session, payload json.RawMessage) error {
	var req struct {
		ClientTS int64 `json:"client_ts"`
	}
	_ = json.Unmarshal(payload, &req)
	s.Reply("pong", map[string]int64{
		"client_ts": req.ClientTS,
		"server_ts": time.Now().UnixMilli(),
	})
	return nil
}

type guildInfo struct {
	Guild   *model.Guild        `json:"guild"`
	Members []model.GuildMember `json:"members"`
}

func (g *GuildCommands) info(ctx context.Context, s *Session, _ json.RawMessage) (any, error) {
	gd, err := g.svc.GetGuildOf(ctx, s.PlayerID)
	if err != nil {
		return nil, err
	}
	members, err := g.svc.ListMembers(ctx, gd.ID)
	if err != nil {
		return nil, err
	}
	return guildInfo{Guild: gd, Members: members}, nil
}

func (g *GuildCommands) apply(ctx context.Context, s *Session, payload json.RawMessage) (any, error) {
	var req struct {
		GuildID int64  `json:"guild_id"`
		Message string `json:"message"`
	}
	if err := decode(payload, &req); err != nil || req.GuildID <= 0 {
		return nil, errBadPayload
	}
	var app *model.GuildApplication
	err := g.exec.Do(ctx, "ws.guild_apply", func(ctx context.Context) (err error) {
		app, err = g.svc.Submit(ctx, req.GuildID, s.PlayerID, s.PlayerName, req.Message)
		return err
	})
	return app, err
}

func (g *GuildCommands) leave(ctx context.Context, s *Session, _ json.RawMessage) (any, error) {
	return nil, g.exec.Do(ctx, "ws.guild_leave", func(ctx context.Context) error {
		return g.svc.Leave(ctx, s.PlayerID, s.PlayerID)
	})
}

func (g *GuildCommands) kick(ctx context.Context, s *Session, payload json.RawMessage) (any, error) {
	var req struct {
		PlayerID string `json:"player_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(req.PlayerID); err != nil {
		return nil, errBadPayload
	}
	if req.PlayerID == s.PlayerID {
		return g.leave(ctx, s, nil)
	}
	return nil, g.doWith(ctx, s, "ws.guild_kick", permission.Kick, func(ctx context.Context) error {
		return g.svc.Leave(ctx, req.PlayerID, s.PlayerID)
	})
}

func (g *GuildCommands) invite(ctx context.Context, s *Session, payload json.RawMessage) (any, error) {
	var req struct {
		GuildID    int64  `json:"guild_id"`
		PlayerID   string `json:"player_id"`
		PlayerName string `json:"player_name"`
	}
	if err := decode(payload, &req); err != nil || req.GuildID <= 0 {
		return nil, errBadPayload
	}
	if _, err := uuid.Parse(req.PlayerID); err != nil {
		return nil, errBadPayload
	}
	var inv *model.GuildInvitation
	err := g.doWith(ctx, s, "ws.guild_invite", permission.Invite, func(ctx context.Context) (err error) {
		inv, err = g.svc.Invite(ctx, req.GuildID, s.PlayerID, s.PlayerName, req.PlayerID, req.PlayerName)
		return err
	})
	return inv, err
}

func (g *GuildCommands) respond(ctx context.Context, s *Session, payload json.RawMessage) (any, error) {
	var req struct {
		GuildID   int64  `json:"guild_id"`
		InviterID string `json:"inviter_id"`
		Accept    bool   `json:"accept"`
	}
	if err := decode(payload, &req); err != nil || (req.GuildID == 0 && req.InviterID == "") {
		return nil, errBadPayload
	}
	return nil, g.exec.Do(ctx, "ws.guild_invite_respond", func(ctx context.Context) error {
		if req.GuildID != 0 {
			return g.svc.RespondToGuild(ctx, s.PlayerID, req.GuildID, req.Accept)
		}
		return g.svc.Respond(ctx, s.PlayerID, req.InviterID, req.Accept)
	})
}

func (g *GuildCommands) review(ctx context.Context, s *Session, payload json.RawMessage) (any, error) {
	var req struct {
		ApplicationID int64  `json:"application_id"`
		Decision      string `json:"decision"`
	}
	if err := decode(payload, &req); err != nil || req.ApplicationID <= 0 {
		return nil, errBadPayload
	}
	decision := model.ApplicationStatus(req.Decision)
	if decision != model.ApplicationApproved && decision != model.ApplicationRejected {
		return nil, errBadPayload
	}
	return nil, g.exec.Do(ctx, "ws.guild_review", func(ctx context.Context) error {
		return g.svc.Review(ctx, req.ApplicationID, decision, s.PlayerID)
	})
}
