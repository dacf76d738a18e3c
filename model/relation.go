package model

// RelationType is the kind of standing between two guilds.
type RelationType string

const (
	RelationAlly    RelationType = "ALLY"
	RelationWar     RelationType = "WAR"
	RelationNeutral RelationType = "NEUTRAL"
	RelationTruce   RelationType = "TRUCE"
)

// Valid reports whether t is a known relation type.
func (t RelationType) Valid() bool {
	switch t {
	case RelationAlly, RelationWar, RelationNeutral, RelationTruce:
		return true
	}
	return false
}

// RelationStatus is the lifecycle state of a relation row.
type RelationStatus string

const (
	RelationProposed   RelationStatus = "PROPOSED"
	RelationActive     RelationStatus = "ACTIVE"
	RelationExpired    RelationStatus = "EXPIRED"
	RelationTerminated RelationStatus = "TERMINATED"
)

// Valid reports whether s is a known relation status.
func (s RelationStatus) Valid() bool {
	switch s {
	case RelationProposed, RelationActive, RelationExpired, RelationTerminated:
		return true
	}
	return false
}

// Current reports whether a relation in this status still binds the pair.
func (s RelationStatus) Current() bool {
	return s == RelationProposed || s == RelationActive
}

// CurrentRelationStatuses lists the statuses that count as current.
var CurrentRelationStatuses = []RelationStatus{RelationProposed, RelationActive}

// GuildRelation is a symmetric relation between two guilds. Names are
// snapshots taken when the relation was proposed.
type GuildRelation struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Guild1ID      int64          `gorm:"column:guild1_id;index:idx_rel_pair;not null" json:"guild1_id"`
	Guild2ID      int64          `gorm:"column:guild2_id;index:idx_rel_pair;index:idx_rel_guild2;not null" json:"guild2_id"`
	Guild1Name    string         `gorm:"column:guild1_name;size:32" json:"guild1_name"`
	Guild2Name    string         `gorm:"column:guild2_name;size:32" json:"guild2_name"`
	RelationType  RelationType   `gorm:"size:16;not null" json:"relation_type"`
	Status        RelationStatus `gorm:"size:16;not null" json:"status"`
	InitiatorUUID string         `gorm:"column:initiator_uuid;size:36" json:"initiator_uuid"`
	InitiatorName string         `gorm:"size:32" json:"initiator_name"`
	CreatedAt     string         `gorm:"size:32" json:"created_at"`
	UpdatedAt     string         `gorm:"size:32" json:"updated_at"`
	ExpiresAt     *string        `gorm:"size:32" json:"expires_at"`
}

func (GuildRelation) TableName() string { return "guild_relations" }

// Involves reports whether guildID is one of the two parties.
func (r *GuildRelation) Involves(guildID int64) bool {
	return r.Guild1ID == guildID || r.Guild2ID == guildID
}

// Other returns the id and name of the party that is not guildID.
func (r *GuildRelation) Other(guildID int64) (int64, string) {
	if r.Guild1ID == guildID {
		return r.Guild2ID, r.Guild2Name
	}
	return r.Guild1ID, r.Guild1Name
}
