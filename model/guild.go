package model

import "gorm.io/datatypes"

// Role is a member's role within the guild.
type Role string

const (
	RoleLeader  Role = "LEADER"
	RoleOfficer Role = "OFFICER"
	RoleMember  Role = "MEMBER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleLeader, RoleOfficer, RoleMember:
		return true
	}
	return false
}

// Rank orders roles by authority; a lower rank means more authority.
// Unknown roles rank below MEMBER.
func (r Role) Rank() int {
	switch r {
	case RoleLeader:
		return 1
	case RoleOfficer:
		return 2
	case RoleMember:
		return 3
	}
	return 99
}

// Outranks reports whether r has strictly more authority than other.
func (r Role) Outranks(other Role) bool {
	return r.Rank() < other.Rank()
}

// IsStaff reports whether the role may manage members and requests.
func (r Role) IsStaff() bool {
	return r == RoleLeader || r == RoleOfficer
}

// ParseRole converts a label to a Role. ok is false for unknown labels.
func ParseRole(label string) (Role, bool) {
	r := Role(label)
	return r, r.Valid()
}

// Guild represents a player guild.
type Guild struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string         `gorm:"uniqueIndex;size:32;not null" json:"name"`
	Tag         string         `gorm:"uniqueIndex;size:8;not null" json:"tag"`
	Description string         `gorm:"type:text" json:"description"`
	LeaderUUID  string         `gorm:"column:leader_uuid;size:36;not null" json:"leader_uuid"`
	LeaderName  string         `gorm:"size:32" json:"leader_name"`
	Level       int            `gorm:"default:1" json:"level"`
	MaxMembers  int            `gorm:"default:6" json:"max_members"`
	Frozen      bool           `gorm:"default:false" json:"frozen"`
	BannerData  string         `gorm:"type:text" json:"banner_data"`
	BannerJSON  datatypes.JSON `gorm:"column:banner_json" json:"banner_json"`
	CreatedAt   string         `gorm:"size:32" json:"created_at"`
	UpdatedAt   string         `gorm:"size:32" json:"updated_at"`
}

func (Guild) TableName() string { return "guilds" }

// GuildMember links a player to exactly one guild.
type GuildMember struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID    int64  `gorm:"index:idx_member_guild;not null" json:"guild_id"`
	PlayerUUID string `gorm:"column:player_uuid;uniqueIndex;size:36;not null" json:"player_uuid"`
	PlayerName string `gorm:"size:32" json:"player_name"`
	Role       Role   `gorm:"size:16;not null" json:"role"`
	JoinedAt   string `gorm:"size:32" json:"joined_at"`
}

func (GuildMember) TableName() string { return "guild_members" }
