package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Security    SecurityConfig    `mapstructure:"security"`
	Guild       GuildConfig       `mapstructure:"guild"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Plugins     PluginsConfig     `mapstructure:"plugins"`
	Script      ScriptConfig      `mapstructure:"script"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	// AdminKey is the shared operator key, either in clear or as a bcrypt hash.
	AdminKey string `mapstructure:"admin_key"`
	// AdminIPs limits the admin routes to these addresses or CIDR prefixes.
	AdminIPs []string `mapstructure:"admin_ips"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | sqlite_memory | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// WSCommandRPS caps commands per WebSocket session; 0 disables it.
	WSCommandRPS   float64 `mapstructure:"ws_command_rps"`
	WSCommandBurst int     `mapstructure:"ws_command_burst"`
	// AllowedOrigins lists the WebSocket origins that are permitted.
	// Empty allows all (development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GuildConfig holds guild rules and the behavior switches for the
// open product decisions.
type GuildConfig struct {
	DefaultMaxMembers int           `mapstructure:"default_max_members"`
	InviteTTL         time.Duration `mapstructure:"invite_ttl"`
	RelationTTL       time.Duration `mapstructure:"relation_ttl"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	WorkerLimit       int           `mapstructure:"worker_limit"`
	CreationCost      int64         `mapstructure:"creation_cost"`

	// AtomicLeaderTransfer demotes the outgoing leader in the same
	// transaction that promotes the new one.
	AtomicLeaderTransfer bool `mapstructure:"atomic_leader_transfer"`
	// RejectDuplicateRelations refuses a proposal while the pair already has
	// a PROPOSED or ACTIVE relation.
	RejectDuplicateRelations bool `mapstructure:"reject_duplicate_relations"`
	// GuardResolvedRequests only lets PENDING applications and invitations
	// be resolved.
	GuardResolvedRequests bool `mapstructure:"guard_resolved_requests"`
}

// PluginsConfig locates guild rule scripts. Each *.js file in Dir is named
// after the hook event it handles.
type PluginsConfig struct {
	Dir string `mapstructure:"dir"`
}

type ScriptConfig struct {
	VMPoolSize int           `mapstructure:"vm_pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type AuditConfig struct {
	RetentionDays  int           `mapstructure:"retention_days"`
	PruneInterval  time.Duration `mapstructure:"prune_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	QueueSize      int           `mapstructure:"queue_size"`
	ExpireInterval time.Duration `mapstructure:"relation_expire_interval"`
}

// RoleCapabilities is one tier of the permission matrix.
type RoleCapabilities struct {
	CreateGuild     bool `mapstructure:"create_guild"`
	Invite          bool `mapstructure:"invite"`
	Kick            bool `mapstructure:"kick"`
	ManageRoles     bool `mapstructure:"manage_roles"`
	ManageRelations bool `mapstructure:"manage_relations"`
	EditGuild       bool `mapstructure:"edit_guild"`
}

// PermissionsConfig maps role tiers to capabilities. Default applies to
// players outside any guild.
type PermissionsConfig struct {
	Default RoleCapabilities `mapstructure:"default"`
	Member  RoleCapabilities `mapstructure:"member"`
	Officer RoleCapabilities `mapstructure:"officer"`
	Leader  RoleCapabilities `mapstructure:"leader"`
}

// DefaultGuildConfig returns the guild settings used when no file overrides them.
func DefaultGuildConfig() GuildConfig {
	return GuildConfig{
		DefaultMaxMembers:        6,
		InviteTTL:                30 * time.Minute,
		RelationTTL:              7 * 24 * time.Hour,
		LockTTL:                  10 * time.Second,
		WorkerLimit:              32,
		AtomicLeaderTransfer:     true,
		RejectDuplicateRelations: true,
		GuardResolvedRequests:    true,
	}
}

// DefaultPermissions returns the stock capability matrix.
func DefaultPermissions() PermissionsConfig {
	return PermissionsConfig{
		Default: RoleCapabilities{CreateGuild: true},
		Member:  RoleCapabilities{},
		Officer: RoleCapabilities{Invite: true, Kick: true, EditGuild: true},
		Leader: RoleCapabilities{
			Invite: true, Kick: true, ManageRoles: true,
			ManageRelations: true, EditGuild: true,
		},
	}
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/guild.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("security.ws_command_rps", 10)
	v.SetDefault("security.ws_command_burst", 20)

	g := DefaultGuildConfig()
	v.SetDefault("guild.default_max_members", g.DefaultMaxMembers)
	v.SetDefault("guild.invite_ttl", g.InviteTTL)
	v.SetDefault("guild.relation_ttl", g.RelationTTL)
	v.SetDefault("guild.lock_ttl", g.LockTTL)
	v.SetDefault("guild.worker_limit", g.WorkerLimit)
	v.SetDefault("guild.creation_cost", g.CreationCost)
	v.SetDefault("guild.atomic_leader_transfer", g.AtomicLeaderTransfer)
	v.SetDefault("guild.reject_duplicate_relations", g.RejectDuplicateRelations)
	v.SetDefault("guild.guard_resolved_requests", g.GuardResolvedRequests)

	v.SetDefault("script.vm_pool_size", 4)
	v.SetDefault("script.timeout", "200ms")

	v.SetDefault("audit.retention_days", 30)
	v.SetDefault("audit.prune_interval", "24h")
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", "2s")
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.relation_expire_interval", "5m")

	p := DefaultPermissions()
	for tier, caps := range map[string]RoleCapabilities{
		"default": p.Default, "member": p.Member, "officer": p.Officer, "leader": p.Leader,
	} {
		v.SetDefault("permissions."+tier+".create_guild", caps.CreateGuild)
		v.SetDefault("permissions."+tier+".invite", caps.Invite)
		v.SetDefault("permissions."+tier+".kick", caps.Kick)
		v.SetDefault("permissions."+tier+".manage_roles", caps.ManageRoles)
		v.SetDefault("permissions."+tier+".manage_relations", caps.ManageRelations)
		v.SetDefault("permissions."+tier+".edit_guild", caps.EditGuild)
	}
}
