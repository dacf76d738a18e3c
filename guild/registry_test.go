package guild

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/plugin/hook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_FoundsGuildWithLeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leader := player()

	g, err := f.svc.Create(ctx, "Foo", "FOO", "desc", leader, "Alice")
	require.NoError(t, err)
	assert.Positive(t, g.ID)
	assert.Equal(t, 1, g.Level)
	assert.Equal(t, 6, g.MaxMembers)
	assert.False(t, g.Frozen)
	assert.Equal(t, leader, g.LeaderUUID)

	m, err := f.svc.GetMember(ctx, leader)
	require.NoError(t, err)
	assert.Equal(t, g.ID, m.GuildID)
	assert.Equal(t, model.RoleLeader, m.Role)

	assert.Equal(t, []model.LogType{model.LogGuildCreated}, f.log.types())
	assert.True(t, f.perms.has(leader))
}

func TestCreate_NameAndTagCollisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, "Foo", "FOO", "desc", player(), "Alice")
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, "Foo", "BAR", "", player(), "Bea")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Create(ctx, "Bar", "FOO", "", player(), "Cid")
	assert.ErrorIs(t, err, ErrValidation)

	list, err := f.svc.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "", "T", "", player(), "A")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Create(ctx, "Name", "TOOLONGTAG", "", player(), "A")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Create(ctx, "Name", "TAG", "", "not-a-uuid", "A")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreate_LeaderAlreadyInGuild(t *testing.T) {
	f := newFixture(t)
	_, leader := f.guild(t, "Foo", "FOO")

	_, err := f.svc.Create(context.Background(), "Bar", "BAR", "", leader, "Alice")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreate_AfterHook(t *testing.T) {
	f := newFixture(t)
	hc := hook.NewHookCenter()
	var got GuildEvent
	hc.Register(hook.AfterGuildCreate, 0, "test", func(_ context.Context, _ string, d interface{}) (interface{}, error) {
		got = d.(GuildEvent)
		return d, nil
	})
	f.svc.SetHooks(hc)

	g, leader := f.guild(t, "Foo", "FOO")
	assert.Equal(t, g.ID, got.Guild.ID)
	assert.Equal(t, leader, got.ActorID)
}

func TestDelete_OnlyLeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, _ := f.guild(t, "Foo", "FOO")
	officer := f.join(t, g, "Olga", model.RoleOfficer)

	err := f.svc.Delete(ctx, g.ID, officer)
	assert.ErrorIs(t, err, ErrPermission)
	err = f.svc.Delete(ctx, g.ID, player())
	assert.ErrorIs(t, err, ErrPermission)
}

func TestDelete_RemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, leader := f.guild(t, "Foo", "FOO")
	other, otherLeader := f.guild(t, "Bar", "BAR")
	member := f.join(t, g, "Bob", model.RoleMember)

	_, err := f.svc.Submit(ctx, g.ID, player(), "Eve", "hi")
	require.NoError(t, err)
	_, err = f.svc.Invite(ctx, g.ID, leader, "FooLeader", player(), "Dan")
	require.NoError(t, err)
	rel, err := f.svc.Propose(ctx, other.ID, g.ID, model.RelationAlly, otherLeader, "BarLeader")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, g.ID, leader))

	_, err = f.svc.Get(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetMember(ctx, member)
	assert.ErrorIs(t, err, ErrNotFound)

	var apps, invs int64
	f.db.Model(&model.GuildApplication{}).Where("guild_id = ?", g.ID).Count(&apps)
	f.db.Model(&model.GuildInvitation{}).Where("guild_id = ?", g.ID).Count(&invs)
	assert.Zero(t, apps)
	assert.Zero(t, invs)

	got, err := f.svc.GetRelation(ctx, g.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, rel.ID, got.ID)
	assert.Equal(t, model.RelationTerminated, got.Status)

	e := f.log.last()
	assert.Equal(t, model.LogGuildDissolved, e.Type)
	assert.Equal(t, leader, e.ActorID)
	assert.Equal(t, "FooLeader", e.ActorName)
	assert.True(t, f.perms.has(member))
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, leader := f.guild(t, "Foo", "FOO")
	f.guild(t, "Taken", "TKN")
	member := f.join(t, g, "Bob", model.RoleMember)
	officer := f.join(t, g, "Olga", model.RoleOfficer)

	name := "Fooo"
	assert.ErrorIs(t, f.svc.Update(ctx, g.ID, UpdateGuildInput{Name: &name}, member), ErrPermission)

	taken := "TKN"
	assert.ErrorIs(t, f.svc.Update(ctx, g.ID, UpdateGuildInput{Tag: &taken}, leader), ErrValidation)

	// unchanged tag is not re-validated against itself
	same := "FOO"
	desc := "new desc"
	require.NoError(t, f.svc.Update(ctx, g.ID, UpdateGuildInput{Name: &name, Tag: &same, Description: &desc}, officer))

	got, err := f.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fooo", got.Name)
	assert.Equal(t, "FOO", got.Tag)
	assert.Equal(t, "new desc", got.Description)
	assert.Equal(t, model.LogGuildUpdated, f.log.last().Type)
	assert.Equal(t, officer, f.log.last().ActorID)
}

func TestMutators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, _ := f.guild(t, "Foo", "FOO")

	require.NoError(t, f.svc.SetFrozen(ctx, g.ID, true))
	assert.Equal(t, model.LogGuildFrozen, f.log.last().Type)
	assert.Equal(t, model.SystemActorName, f.log.last().ActorName)

	assert.ErrorIs(t, f.svc.SetLevel(ctx, g.ID, 0), ErrValidation)
	require.NoError(t, f.svc.SetLevel(ctx, g.ID, 3))
	assert.Equal(t, "from=1;to=3", f.log.last().Details)

	assert.ErrorIs(t, f.svc.SetMaxMembers(ctx, g.ID, 0), ErrValidation)
	require.NoError(t, f.svc.SetMaxMembers(ctx, g.ID, 20))
	require.NoError(t, f.svc.SetDescription(ctx, g.ID, "quiet"))

	assert.ErrorIs(t, f.svc.SetBanner(ctx, g.ID, "x", json.RawMessage(`{bad`)), ErrValidation)
	require.NoError(t, f.svc.SetBanner(ctx, g.ID, "base64", json.RawMessage(`{"color":"red"}`)))

	got, err := f.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, got.Frozen)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, 20, got.MaxMembers)
	assert.Equal(t, "quiet", got.Description)
	assert.Equal(t, "base64", got.BannerData)
	assert.JSONEq(t, `{"color":"red"}`, string(got.BannerJSON))

	require.NoError(t, f.svc.SetFrozen(ctx, g.ID, false))
	got, err = f.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, got.Frozen)

	assert.ErrorIs(t, f.svc.SetLevel(ctx, 999, 2), ErrNotFound)
}

func TestLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, _ := f.guild(t, "Foo", "FOO")

	byName, err := f.svc.GetByName(ctx, "Foo")
	require.NoError(t, err)
	byTag, err := f.svc.GetByTag(ctx, "FOO")
	require.NoError(t, err)
	assert.Equal(t, g.ID, byName.ID)
	assert.Equal(t, g.ID, byTag.ID)

	_, err = f.svc.GetByTag(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}
