package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Mode)
	assert.Equal(t, 6, cfg.Guild.DefaultMaxMembers)
	assert.Equal(t, 30*time.Minute, cfg.Guild.InviteTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Guild.RelationTTL)
	assert.True(t, cfg.Guild.AtomicLeaderTransfer)
	assert.True(t, cfg.Guild.RejectDuplicateRelations)
	assert.True(t, cfg.Guild.GuardResolvedRequests)
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
	assert.Equal(t, DefaultPermissions(), cfg.Permissions)
	assert.Equal(t, 4, cfg.Script.VMPoolSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Script.Timeout)
	assert.Empty(t, cfg.Plugins.Dir)
	assert.Equal(t, 10.0, cfg.Security.WSCommandRPS)
	assert.Equal(t, 20, cfg.Security.WSCommandBurst)
}

func TestLoad_ListsAndPlugins(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  admin_ips: ["10.0.0.0/8", "127.0.0.1"]
security:
  allowed_origins: ["https://game.example"]
plugins:
  dir: ./scripts
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.Server.AdminIPs)
	assert.Equal(t, []string{"https://game.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "./scripts", cfg.Plugins.Dir)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
guild:
  invite_ttl: 10m
  atomic_leader_transfer: false
permissions:
  member:
    invite: true
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Guild.InviteTTL)
	assert.False(t, cfg.Guild.AtomicLeaderTransfer)
	assert.True(t, cfg.Permissions.Member.Invite)
	assert.False(t, cfg.Permissions.Member.Kick)
	assert.True(t, cfg.Permissions.Leader.ManageRoles)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
