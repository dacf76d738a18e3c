package model

import "github.com/google/uuid"

// LogType is the closed set of guild actions recorded in the audit log.
type LogType string

const (
	LogGuildCreated         LogType = "GUILD_CREATED"
	LogGuildDissolved       LogType = "GUILD_DISSOLVED"
	LogGuildUpdated         LogType = "GUILD_UPDATED"
	LogGuildFrozen          LogType = "GUILD_FROZEN"
	LogGuildUnfrozen        LogType = "GUILD_UNFROZEN"
	LogGuildLevelChanged    LogType = "GUILD_LEVEL_CHANGED"
	LogGuildCapacityChanged LogType = "GUILD_CAPACITY_CHANGED"
	LogGuildBannerChanged   LogType = "GUILD_BANNER_CHANGED"
	LogMemberJoined         LogType = "MEMBER_JOINED"
	LogMemberLeft           LogType = "MEMBER_LEFT"
	LogMemberKicked         LogType = "MEMBER_KICKED"
	LogMemberPromoted       LogType = "MEMBER_PROMOTED"
	LogMemberDemoted        LogType = "MEMBER_DEMOTED"
	LogLeaderTransferred    LogType = "LEADER_TRANSFERRED"
	LogApplicationSubmitted LogType = "APPLICATION_SUBMITTED"
	LogApplicationApproved  LogType = "APPLICATION_APPROVED"
	LogApplicationRejected  LogType = "APPLICATION_REJECTED"
	LogInvitationSent       LogType = "INVITATION_SENT"
	LogInvitationAccepted   LogType = "INVITATION_ACCEPTED"
	LogInvitationDeclined   LogType = "INVITATION_DECLINED"
	LogInvitationCancelled  LogType = "INVITATION_CANCELLED"
	LogRelationProposed     LogType = "RELATION_PROPOSED"
	LogRelationActivated    LogType = "RELATION_ACTIVATED"
	LogRelationTerminated   LogType = "RELATION_TERMINATED"
	LogRelationExpired      LogType = "RELATION_EXPIRED"
)

// Valid reports whether t belongs to the closed set of log types.
func (t LogType) Valid() bool {
	switch t {
	case LogGuildCreated, LogGuildDissolved, LogGuildUpdated, LogGuildFrozen,
		LogGuildUnfrozen, LogGuildLevelChanged, LogGuildCapacityChanged,
		LogGuildBannerChanged, LogMemberJoined, LogMemberLeft, LogMemberKicked,
		LogMemberPromoted, LogMemberDemoted, LogLeaderTransferred,
		LogApplicationSubmitted, LogApplicationApproved, LogApplicationRejected,
		LogInvitationSent, LogInvitationAccepted, LogInvitationDeclined,
		LogInvitationCancelled, LogRelationProposed, LogRelationActivated,
		LogRelationTerminated, LogRelationExpired:
		return true
	}
	return false
}

// SystemActorName is recorded for actions no player performed.
const SystemActorName = "SYSTEM"

// SystemActorUUID is the actor id of system-attributed log entries.
var SystemActorUUID = uuid.Nil.String()

// GuildLog records one state-changing guild action. Rows are never updated.
type GuildLog struct {
	ID          int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID     int64   `gorm:"index:idx_log_guild;not null" json:"guild_id"`
	GuildName   string  `gorm:"size:32" json:"guild_name"`
	PlayerUUID  string  `gorm:"column:player_uuid;size:36" json:"player_uuid"`
	PlayerName  string  `gorm:"size:32" json:"player_name"`
	LogType     LogType `gorm:"size:32;not null" json:"log_type"`
	Description string  `gorm:"size:255" json:"description"`
	Details     string  `gorm:"type:text" json:"details"`
	CreatedAt   string  `gorm:"index:idx_log_created;size:32" json:"created_at"`
}

func (GuildLog) TableName() string { return "guild_logs" }
