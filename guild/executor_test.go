package guild

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasuganosora/guildsvc/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_ReturnsResult(t *testing.T) {
	ex := NewExecutor(2, testutil.Logger(t))
	boom := errors.New("boom")

	assert.NoError(t, ex.Do(context.Background(), "ok", func(context.Context) error { return nil }))
	assert.ErrorIs(t, ex.Do(context.Background(), "fail", func(context.Context) error { return boom }), boom)
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	ex := NewExecutor(2, testutil.Logger(t))
	var running, peak atomic.Int32

	results := make([]<-chan error, 8)
	for i := range results {
		results[i] = ex.Submit(context.Background(), "work", func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	for _, ch := range results {
		require.NoError(t, <-ch)
	}
	ex.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_RecoversPanic(t *testing.T) {
	ex := NewExecutor(1, testutil.Logger(t))
	err := ex.Do(context.Background(), "bad", func(context.Context) error { panic("oops") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad panicked: oops")

	// the slot was released
	assert.NoError(t, ex.Do(context.Background(), "next", func(context.Context) error { return nil }))
}

func TestExecutor_CancelledWhileQueued(t *testing.T) {
	ex := NewExecutor(1, testutil.Logger(t))
	block, started := make(chan struct{}), make(chan struct{})
	first := ex.Submit(context.Background(), "hold", func(context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	queued := ex.Submit(ctx, "queued", func(context.Context) error { ran = true; return nil })
	cancel()

	assert.ErrorIs(t, <-queued, context.Canceled)
	close(block)
	assert.NoError(t, <-first)
	ex.Wait()
	assert.False(t, ran)
}
