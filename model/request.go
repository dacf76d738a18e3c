package model

// ApplicationStatus is the lifecycle state of a join application.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "PENDING"
	ApplicationApproved ApplicationStatus = "APPROVED"
	ApplicationRejected ApplicationStatus = "REJECTED"
)

// Valid reports whether s is a known application status.
func (s ApplicationStatus) Valid() bool {
	switch s {
	case ApplicationPending, ApplicationApproved, ApplicationRejected:
		return true
	}
	return false
}

// Terminal reports whether s can no longer change.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationApproved || s == ApplicationRejected
}

// GuildApplication is a player's request to join a guild.
type GuildApplication struct {
	ID         int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID    int64             `gorm:"index:idx_app_guild_status;not null" json:"guild_id"`
	PlayerUUID string            `gorm:"column:player_uuid;index:idx_app_player;size:36;not null" json:"player_uuid"`
	PlayerName string            `gorm:"size:32" json:"player_name"`
	Message    string            `gorm:"type:text" json:"message"`
	Status     ApplicationStatus `gorm:"index:idx_app_guild_status;size:16;not null" json:"status"`
	CreatedAt  string            `gorm:"size:32" json:"created_at"`
}

func (GuildApplication) TableName() string { return "guild_applications" }

// InviteStatus is the lifecycle state of a guild invitation.
type InviteStatus string

const (
	InvitePending  InviteStatus = "PENDING"
	InviteAccepted InviteStatus = "ACCEPTED"
	InviteDeclined InviteStatus = "DECLINED"
	InviteExpired  InviteStatus = "EXPIRED"
)

// Valid reports whether s is a known invitation status.
func (s InviteStatus) Valid() bool {
	switch s {
	case InvitePending, InviteAccepted, InviteDeclined, InviteExpired:
		return true
	}
	return false
}

// GuildInvitation is a time-bounded offer from a guild to a player.
type GuildInvitation struct {
	ID          int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID     int64        `gorm:"index:idx_invite_guild;not null" json:"guild_id"`
	PlayerUUID  string       `gorm:"column:player_uuid;index:idx_invite_target;size:36;not null" json:"player_uuid"`
	PlayerName  string       `gorm:"size:32" json:"player_name"`
	InviterUUID string       `gorm:"column:inviter_uuid;size:36;not null" json:"inviter_uuid"`
	InviterName string       `gorm:"size:32" json:"inviter_name"`
	Status      InviteStatus `gorm:"size:16;not null" json:"status"`
	ExpiresAt   string       `gorm:"size:32" json:"expires_at"`
	CreatedAt   string       `gorm:"size:32" json:"created_at"`
}

func (GuildInvitation) TableName() string { return "guild_invites" }
