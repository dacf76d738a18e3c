package permission

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kasuganosora/guildsvc/config"
	"github.com/kasuganosora/guildsvc/guild"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMembers struct {
	mu    sync.Mutex
	roles map[string]model.Role
	calls int
	err   error
}

func (f *fakeMembers) GetMember(_ context.Context, playerID string) (*model.GuildMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	role, ok := f.roles[playerID]
	if !ok {
		return nil, guild.ErrNotFound
	}
	return &model.GuildMember{PlayerUUID: playerID, Role: role}, nil
}

func (f *fakeMembers) set(playerID string, role model.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role == "" {
		delete(f.roles, playerID)
		return
	}
	f.roles[playerID] = role
}

func newResolver(t *testing.T) (*Resolver, *fakeMembers) {
	t.Helper()
	c, _ := testutil.SetupTestCache(t)
	members := &fakeMembers{roles: map[string]model.Role{}}
	return NewResolver(members, c, config.DefaultPermissions(), testutil.Logger(t)), members
}

func TestParseCapability(t *testing.T) {
	c, ok := ParseCapability("KICK")
	assert.True(t, ok)
	assert.Equal(t, Kick, c)
	_, ok = ParseCapability("FLY")
	assert.False(t, ok)
}

func TestResolve_Matrix(t *testing.T) {
	r, members := newResolver(t)
	ctx := context.Background()
	leader, officer, member, outsider := "l", "o", "m", "x"
	members.set(leader, model.RoleLeader)
	members.set(officer, model.RoleOfficer)
	members.set(member, model.RoleMember)

	cases := []struct {
		player string
		cap    Capability
		want   bool
	}{
		{outsider, CreateGuild, true},
		{outsider, Invite, false},
		{member, CreateGuild, false},
		{member, Invite, false},
		{officer, Invite, true},
		{officer, Kick, true},
		{officer, EditGuild, true},
		{officer, ManageRoles, false},
		{officer, ManageRelations, false},
		{leader, ManageRoles, true},
		{leader, ManageRelations, true},
		{leader, CreateGuild, false},
	}
	for _, tc := range cases {
		got, err := r.HasCapability(ctx, tc.player, tc.cap)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %s", tc.player, tc.cap)
	}
}

func TestSnapshot_CachedUntilInvalidated(t *testing.T) {
	r, members := newResolver(t)
	ctx := context.Background()
	members.set("p", model.RoleMember)

	snap, err := r.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, snap.Role)
	_, err = r.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, members.calls)

	members.set("p", model.RoleOfficer)
	snap, err = r.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, snap.Role, "stale until invalidated")

	require.NoError(t, r.Invalidate(ctx, "p"))
	snap, err = r.Snapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOfficer, snap.Role)
	assert.True(t, snap.Kick)
	assert.Equal(t, 2, members.calls)
}

func TestRequire(t *testing.T) {
	r, members := newResolver(t)
	ctx := context.Background()
	members.set("o", model.RoleOfficer)

	assert.NoError(t, r.Require(ctx, "o", Kick))
	err := r.Require(ctx, "o", ManageRoles)
	assert.ErrorIs(t, err, guild.ErrPermission)
	assert.Contains(t, err.Error(), "MANAGE_ROLES")

	members.err = errors.New("db down")
	assert.Error(t, r.Require(ctx, "x", CreateGuild))
	assert.NotErrorIs(t, r.Require(ctx, "x", CreateGuild), guild.ErrPermission)
}

func TestSnapshot_LookupErrorNotCached(t *testing.T) {
	r, members := newResolver(t)
	members.err = errors.New("db down")

	_, err := r.Snapshot(context.Background(), "p")
	assert.Error(t, err)

	members.err = nil
	members.set("p", model.RoleLeader)
	snap, err := r.Snapshot(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, model.RoleLeader, snap.Role)
}

func TestEncodeDecode(t *testing.T) {
	in := Snapshot{Role: model.RoleOfficer, Invite: true, Kick: true, EditGuild: true}
	fields := encode(in, "g1")
	assert.Equal(t, "g1", fields["gen"])
	assert.Equal(t, in, decode(fields))
}

func TestResolver_WithGuildService(t *testing.T) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	logger := testutil.Logger(t)
	svc := guild.NewService(db, c, nil, config.DefaultGuildConfig(), logger)
	r := NewResolver(svc, c, config.DefaultPermissions(), logger)
	svc.SetInvalidator(r)
	ctx := context.Background()

	leader, heir := uuid.NewString(), uuid.NewString()
	ok, err := r.HasCapability(ctx, leader, CreateGuild)
	require.NoError(t, err)
	assert.True(t, ok)

	g, err := svc.Create(ctx, "Foo", "FOO", "", leader, "Alice")
	require.NoError(t, err)
	ok, err = r.HasCapability(ctx, leader, ManageRoles)
	require.NoError(t, err)
	assert.True(t, ok, "creation invalidates the founder's snapshot")

	require.NoError(t, svc.Join(ctx, g.ID, heir, "Heir", model.RoleMember))
	ok, err = r.HasCapability(ctx, heir, ManageRoles)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.ChangeRole(ctx, heir, model.RoleLeader, leader))
	ok, err = r.HasCapability(ctx, heir, ManageRoles)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.HasCapability(ctx, leader, ManageRoles)
	require.NoError(t, err)
	assert.False(t, ok)
}
