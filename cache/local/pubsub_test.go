package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubSubBasic(t *testing.T) {
	ps := NewPubSub(16)
	ctx := context.Background()

	ch, cancel, err := ps.Subscribe(ctx, "guild:1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.Publish(ctx, "guild:1", "hello"))

	select {
	case msg := <-ch:
		assert.Equal(t, "guild:1", msg.Channel)
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestPubSubUnsubscribe(t *testing.T) {
	ps := NewPubSub(16)
	ctx := context.Background()

	ch, cancel, err := ps.Subscribe(ctx, "ch")
	require.NoError(t, err)

	cancel()
	cancel() // second cancel is a no-op

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel not closed after cancel")
	}

	assert.NoError(t, ps.Publish(ctx, "ch", "msg"))
}

func TestPubSubMultipleChannels(t *testing.T) {
	ps := NewPubSub(16)
	ctx := context.Background()

	ch, cancel, _ := ps.Subscribe(ctx, "guild:1", "player:abc")
	defer cancel()

	require.NoError(t, ps.Publish(ctx, "player:abc", "p"))
	require.NoError(t, ps.Publish(ctx, "guild:1", "g"))

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch:
			got[msg.Channel] = msg.Payload
		case <-time.After(100 * time.Millisecond):
			t.Fatal("subscriber did not receive message")
		}
	}
	assert.Equal(t, map[string]string{"guild:1": "g", "player:abc": "p"}, got)
}

func TestPubSubDropsWhenFull(t *testing.T) {
	ps := NewPubSub(1)
	ctx := context.Background()

	_, cancel, _ := ps.Subscribe(ctx, "ch")
	defer cancel()

	require.NoError(t, ps.Publish(ctx, "ch", "1"))
	require.NoError(t, ps.Publish(ctx, "ch", "2"))
	assert.Equal(t, int64(1), ps.Dropped())
}
