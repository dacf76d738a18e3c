package model

import "gorm.io/gorm"

// allModels lists every model to be auto-migrated.
var allModels = []interface{}{
	&Guild{},
	&GuildMember{},
	&GuildApplication{},
	&GuildInvitation{},
	&GuildRelation{},
	&GuildLog{},
}

// AutoMigrate creates or updates all guild tables in the given database.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels...)
}
