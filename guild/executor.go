package guild

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Executor runs guild operations off the caller's goroutine with bounded
// concurrency.
type Executor struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewExecutor creates an Executor running at most limit operations at once.
func NewExecutor(limit int, logger *zap.Logger) *Executor {
	if limit <= 0 {
		limit = 1
	}
	return &Executor{sem: semaphore.NewWeighted(int64(limit)), logger: logger}
}

// Submit schedules op and returns a channel that yields its result once and
// is then closed. A context cancelled while waiting for a slot yields the
// context error without running op.
func (e *Executor) Submit(ctx context.Context, name string, op func(context.Context) error) <-chan error {
	out := make(chan error, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(out)
		if err := e.sem.Acquire(ctx, 1); err != nil {
			out <- err
			return
		}
		defer e.sem.Release(1)
		out <- e.run(ctx, name, op)
	}()
	return out
}

func (e *Executor) run(ctx context.Context, name string, op func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("guild op panicked", zap.String("op", name), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("guild: %s panicked: %v", name, r)
		}
	}()
	return op(ctx)
}

// Do submits op and waits for its result.
func (e *Executor) Do(ctx context.Context, name string, op func(context.Context) error) error {
	return <-e.Submit(ctx, name, op)
}

// Wait blocks until every submitted operation has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}
