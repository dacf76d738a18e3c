package testutil

import (
	"testing"

	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/cache/local"
	"github.com/kasuganosora/guildsvc/config"
	dbadapter "github.com/kasuganosora/guildsvc/db"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeSQLiteMemory,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	if lc, ok := c.(*local.LocalCache); ok {
		t.Cleanup(lc.Close)
	}
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// Logger returns a development zap logger for tests.
func Logger(t *testing.T) *zap.Logger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l
}
