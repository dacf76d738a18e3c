package guild

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"github.com/kasuganosora/guildsvc/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvite_AcceptJoinsGuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, inviter := f.guild(t, "Foo", "FOO")
	target := player()

	inv, err := f.svc.Invite(ctx, g.ID, inviter, "Carl", target, "Dana")
	require.NoError(t, err)
	assert.Equal(t, model.InvitePending, inv.Status)
	assert.Equal(t, model.LogInvitationSent, f.log.last().Type)

	require.NoError(t, f.svc.Respond(ctx, target, inviter, true))

	m, err := f.svc.GetMember(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, g.ID, m.GuildID)
	assert.Equal(t, model.RoleMember, m.Role)

	var stored model.GuildInvitation
	require.NoError(t, f.db.First(&stored, inv.ID).Error)
	assert.Equal(t, model.InviteAccepted, stored.Status)
	assert.Contains(t, f.log.types(), model.LogInvitationAccepted)

	// nothing left to answer
	assert.ErrorIs(t, f.svc.Respond(ctx, target, inviter, true), ErrNotFound)
}

func TestInvite_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, leader := f.guild(t, "Foo", "FOO")
	member := f.join(t, g, "Bob", model.RoleMember)
	target := player()

	_, err := f.svc.Invite(ctx, g.ID, member, "Bob", target, "Dana")
	assert.ErrorIs(t, err, ErrPermission)
	_, err = f.svc.Invite(ctx, g.ID, leader, "Lead", member, "Bob")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Invite(ctx, g.ID, leader, "Lead", leader, "Lead")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Invite(ctx, g.ID, leader, "Lead", target, "Dana")
	require.NoError(t, err)
	_, err = f.svc.Invite(ctx, g.ID, leader, "Lead", target, "Dana")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInvite_Decline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, inviter := f.guild(t, "Foo", "FOO")
	target := player()
	_, err := f.svc.Invite(ctx, g.ID, inviter, "Carl", target, "Dana")
	require.NoError(t, err)

	require.NoError(t, f.svc.RespondToGuild(ctx, target, g.ID, false))
	_, err = f.svc.GetMember(ctx, target)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, model.LogInvitationDeclined, f.log.last().Type)

	// a fresh invitation is possible after a decline
	_, err = f.svc.Invite(ctx, g.ID, inviter, "Carl", target, "Dana")
	require.NoError(t, err)
}

func TestInvite_ExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, inviter := f.guild(t, "Foo", "FOO")
	target := player()

	sent := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	f.svc.SetClock(func() time.Time { return sent })
	_, err := f.svc.Invite(ctx, g.ID, inviter, "Carl", target, "Dana")
	require.NoError(t, err)

	f.svc.SetClock(func() time.Time { return sent.Add(30*time.Minute - time.Second) })
	_, err = f.svc.GetPendingForGuild(ctx, target, g.ID)
	require.NoError(t, err)

	f.svc.SetClock(func() time.Time { return sent.Add(30 * time.Minute) })
	_, err = f.svc.GetPendingForGuild(ctx, target, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetPendingFromInviter(ctx, target, inviter)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.svc.Respond(ctx, target, inviter, true), ErrNotFound)

	list, err := f.svc.ListPendingForPlayer(ctx, target)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInvite_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, leader := f.guild(t, "Foo", "FOO")
	officer := f.join(t, g, "Olga", model.RoleOfficer)
	member := f.join(t, g, "Bob", model.RoleMember)
	target := player()

	inv, err := f.svc.Invite(ctx, g.ID, officer, "Olga", target, "Dana")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Cancel(ctx, inv.ID, member), ErrPermission)
	require.NoError(t, f.svc.Cancel(ctx, inv.ID, leader))
	assert.Equal(t, model.LogInvitationCancelled, f.log.last().Type)
	assert.ErrorIs(t, f.svc.Cancel(ctx, inv.ID, officer), ErrValidation)
	assert.ErrorIs(t, f.svc.Cancel(ctx, 999, officer), ErrNotFound)

	_, err = f.svc.GetPendingForGuild(ctx, target, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvite_NotifiesTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.SetNotifier(notify.NewPubSubNotifier(f.ps, testutil.Logger(t)))
	g, inviter := f.guild(t, "Foo", "FOO")
	target := player()

	ch, cancel, err := f.ps.Subscribe(ctx, notify.PlayerChannel(target))
	require.NoError(t, err)
	defer cancel()

	_, err = f.svc.Invite(ctx, g.ID, inviter, "Carl", target, "Dana")
	require.NoError(t, err)

	select {
	case msg := <-ch:
		env, err := notify.Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, notify.EventInvitation, env.Event)
		assert.Contains(t, string(env.Payload), `"guild_tag":"FOO"`)
	case <-time.After(time.Second):
		t.Fatal("target was not notified")
	}
}

func TestInvite_ConcurrentAcceptAndApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, l2 := f.guild(t, "Two", "TWO")
	p := player()

	_, err := f.svc.Invite(ctx, g1.ID, l1, "L1", p, "Pat")
	require.NoError(t, err)
	app, err := f.svc.Submit(ctx, g2.ID, p, "Pat", "")
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() { errs <- f.svc.Respond(ctx, p, l1, true) }()
	go func() { errs <- f.svc.Review(ctx, app.ID, model.ApplicationApproved, l2) }()

	ok := 0
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)

	var rows int64
	f.db.Model(&model.GuildMember{}).Where("player_uuid = ?", p).Count(&rows)
	assert.Equal(t, int64(1), rows)
}
