package guild

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/guildsvc/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairKey_Symmetric(t *testing.T) {
	assert.Equal(t, pairKey(3, 9), pairKey(9, 3))
	assert.Equal(t, "lock:guild:relation:3_9", pairKey(9, 3))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"b", "a", "b"}))
	assert.Empty(t, dedupe(nil))
}

func TestAcquire_AllOrNothing(t *testing.T) {
	c, _ := testutil.SetupTestCache(t)
	locks := newPlayerLocks(c, time.Minute)
	ctx := context.Background()

	release, err := locks.acquire(ctx, "t", playerKey("b"))
	require.NoError(t, err)

	_, err = locks.acquire(ctx, "t", playerKey("a"), playerKey("b"))
	assert.ErrorIs(t, err, ErrConflict)

	// "a" was rolled back
	ok, err := c.Exists(ctx, playerKey("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	again, err := locks.acquire(ctx, "t", playerKey("a"), playerKey("b"), playerKey("a"))
	require.NoError(t, err)
	again()
}

func TestAcquire_ReleaseOnlyOwnToken(t *testing.T) {
	c, _ := testutil.SetupTestCache(t)
	locks := newPlayerLocks(c, time.Minute)
	ctx := context.Background()

	release, err := locks.acquire(ctx, "t", playerKey("p"))
	require.NoError(t, err)

	// simulate expiry followed by someone else taking the key
	require.NoError(t, c.Del(ctx, playerKey("p")))
	require.NoError(t, c.Set(ctx, playerKey("p"), "other", time.Minute))

	release()
	v, err := c.Get(ctx, playerKey("p"))
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func TestAcquire_ReleaseAfterCancel(t *testing.T) {
	c, _ := testutil.SetupTestCache(t)
	locks := newPlayerLocks(c, 0)
	assert.Equal(t, defaultLockTTL, locks.ttl)

	ctx, cancel := context.WithCancel(context.Background())
	release, err := locks.acquire(ctx, "t", playerKey("p"))
	require.NoError(t, err)
	cancel()
	release()

	ok, err := c.Exists(context.Background(), playerKey("p"))
	require.NoError(t, err)
	assert.False(t, ok)
}
