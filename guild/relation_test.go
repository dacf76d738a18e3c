package guild

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/config"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"github.com/kasuganosora/guildsvc/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropose_SymmetricGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, _ := f.guild(t, "Two", "TWO")

	rel, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationWar, l1, "Fay")
	require.NoError(t, err)
	assert.Equal(t, "One", rel.Guild1Name)
	assert.Equal(t, "Two", rel.Guild2Name)
	assert.Equal(t, model.RelationProposed, rel.Status)
	require.NotNil(t, rel.ExpiresAt)

	ab, err := f.svc.GetRelation(ctx, g1.ID, g2.ID)
	require.NoError(t, err)
	ba, err := f.svc.GetRelation(ctx, g2.ID, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, rel.ID, ab.ID)
	assert.Equal(t, ab, ba)

	e := f.log.last()
	assert.Equal(t, model.LogRelationProposed, e.Type)
	assert.Equal(t, g1.ID, e.GuildID)
}

func TestPropose_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, l2 := f.guild(t, "Two", "TWO")
	member := f.join(t, g1, "Bob", model.RoleMember)

	_, err := f.svc.Propose(ctx, g1.ID, g1.ID, model.RelationAlly, l1, "L1")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationType("FEUD"), l1, "L1")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Propose(ctx, g1.ID, 999, model.RelationAlly, l1, "L1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationAlly, member, "Bob")
	assert.ErrorIs(t, err, ErrPermission)
	_, err = f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationAlly, l2, "L2")
	assert.ErrorIs(t, err, ErrPermission)

	_, err = f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationAlly, l1, "L1")
	require.NoError(t, err)
	_, err = f.svc.Propose(ctx, g2.ID, g1.ID, model.RelationWar, l2, "L2")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPropose_DuplicatesAllowedWhenConfigured(t *testing.T) {
	f := newFixture(t, func(c *config.GuildConfig) { c.RejectDuplicateRelations = false })
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, _ := f.guild(t, "Two", "TWO")

	_, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationAlly, l1, "L1")
	require.NoError(t, err)
	second, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationWar, l1, "L1")
	require.NoError(t, err)

	rels, err := f.svc.ListRelations(ctx, g2.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	latest, err := f.svc.GetRelation(ctx, g2.ID, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestAcceptAndTerminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, l2 := f.guild(t, "Two", "TWO")
	officer2 := f.join(t, g2, "Otto", model.RoleOfficer)

	rel, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationAlly, l1, "L1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Accept(ctx, rel.ID, l1), ErrPermission, "initiator cannot accept")
	require.NoError(t, f.svc.Accept(ctx, rel.ID, officer2))
	assert.ErrorIs(t, f.svc.Accept(ctx, rel.ID, l2), ErrValidation)

	got, err := f.svc.GetRelation(ctx, g1.ID, g2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RelationActive, got.Status)
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, model.LogRelationActivated, f.log.last().Type)

	outsider := player()
	assert.ErrorIs(t, f.svc.Terminate(ctx, rel.ID, outsider), ErrPermission)
	require.NoError(t, f.svc.Terminate(ctx, rel.ID, l2))
	e := f.log.last()
	assert.Equal(t, model.LogRelationTerminated, e.Type)
	assert.Equal(t, g2.ID, e.GuildID)
	assert.ErrorIs(t, f.svc.Terminate(ctx, rel.ID, l1), ErrValidation)

	// the pair is free again
	_, err = f.svc.Propose(ctx, g2.ID, g1.ID, model.RelationTruce, l2, "L2")
	require.NoError(t, err)
}

func TestAccept_ExpiredProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, l2 := f.guild(t, "Two", "TWO")

	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	f.svc.SetClock(func() time.Time { return start })
	rel, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationAlly, l1, "L1")
	require.NoError(t, err)

	f.svc.SetClock(func() time.Time { return start.Add(7 * 24 * time.Hour) })
	assert.ErrorIs(t, f.svc.Accept(ctx, rel.ID, l2), ErrValidation)
}

func TestAccept_ExpiryWrittenAsRFC3339(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, l2 := f.guild(t, "Two", "TWO")

	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	f.svc.SetClock(func() time.Time { return start })
	rel, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationAlly, l1, "L1")
	require.NoError(t, err)

	// an expiry rewritten by an external tool in RFC 3339, already past
	require.NoError(t, f.db.Model(&model.GuildRelation{}).Where("id = ?", rel.ID).
		Update("expires_at", start.Add(time.Hour).Format(time.RFC3339)).Error)
	f.svc.SetClock(func() time.Time { return start.Add(2 * time.Hour) })
	assert.ErrorIs(t, f.svc.Accept(ctx, rel.ID, l2), ErrValidation)

	require.NoError(t, f.db.Model(&model.GuildRelation{}).Where("id = ?", rel.ID).
		Update("expires_at", start.Add(3*time.Hour).Format(time.RFC3339)).Error)
	require.NoError(t, f.svc.Accept(ctx, rel.ID, l2))
}

func TestExpireRelations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, l2 := f.guild(t, "Two", "TWO")
	g3, _ := f.guild(t, "Three", "THR")

	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	f.svc.SetClock(func() time.Time { return start })
	stale, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationAlly, l1, "L1")
	require.NoError(t, err)
	active, err := f.svc.Propose(ctx, g2.ID, g3.ID, model.RelationAlly, l2, "L2")
	require.NoError(t, err)
	require.NoError(t, f.svc.SetRelationStatus(ctx, active.ID, model.RelationActive))

	f.svc.SetClock(func() time.Time { return start.Add(24 * time.Hour) })
	n, err := f.svc.ExpireRelations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.svc.SetClock(func() time.Time { return start.Add(8 * 24 * time.Hour) })
	n, err = f.svc.ExpireRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.svc.GetRelation(ctx, g1.ID, g2.ID)
	require.NoError(t, err)
	assert.Equal(t, stale.ID, got.ID)
	assert.Equal(t, model.RelationExpired, got.Status)
	e := f.log.last()
	assert.Equal(t, model.LogRelationExpired, e.Type)
	assert.Equal(t, model.SystemActorUUID, e.ActorID)

	got, err = f.svc.GetRelation(ctx, g2.ID, g3.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RelationActive, got.Status)
}

func TestSetAndDeleteRelation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g1, l1 := f.guild(t, "One", "ONE")
	g2, _ := f.guild(t, "Two", "TWO")
	rel, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationNeutral, l1, "L1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.SetRelationStatus(ctx, rel.ID, "BROKEN"), ErrValidation)
	assert.ErrorIs(t, f.svc.SetRelationStatus(ctx, 999, model.RelationActive), ErrNotFound)

	require.NoError(t, f.svc.DeleteRelation(ctx, rel.ID))
	assert.ErrorIs(t, f.svc.DeleteRelation(ctx, rel.ID), ErrNotFound)
	_, err = f.svc.GetRelation(ctx, g1.ID, g2.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWarScanOnJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.SetNotifier(notify.NewPubSubNotifier(f.ps, testutil.Logger(t)))
	g1, l1 := f.guild(t, "One", "ONE")
	g2, _ := f.guild(t, "Two", "TWO")
	g3, _ := f.guild(t, "Three", "THR")

	_, err := f.svc.Propose(ctx, g1.ID, g2.ID, model.RelationWar, l1, "L1")
	require.NoError(t, err)
	_, err = f.svc.Propose(ctx, g1.ID, g3.ID, model.RelationAlly, l1, "L1")
	require.NoError(t, err)

	wars, err := f.svc.WarsFor(ctx, g2.ID)
	require.NoError(t, err)
	require.Len(t, wars, 1)

	p := player()
	ch, cancel, err := f.ps.Subscribe(ctx, notify.PlayerChannel(p))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.svc.Join(ctx, g1.ID, p, "Recruit", model.RoleMember))

	assert.Equal(t, notify.EventMemberJoined, nextEnvelope(t, ch).Event)
	env := nextEnvelope(t, ch)
	assert.Equal(t, notify.EventWarStatus, env.Event)
	assert.Contains(t, string(env.Payload), `"guild_name":"Two"`)
	assert.NotContains(t, string(env.Payload), "Three")
}

func nextEnvelope(t *testing.T, ch <-chan *cache.Message) notify.Envelope {
	t.Helper()
	select {
	case msg := <-ch:
		env, err := notify.Decode(msg)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("nothing published")
		return notify.Envelope{}
	}
}
