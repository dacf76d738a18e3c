package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TaskFn is the function signature for scheduled tasks. The context is
// cancelled when the scheduler stops.
type TaskFn func(ctx context.Context) error

// Scheduler runs named maintenance tasks on fixed intervals. A run that is
// still in progress when the next tick arrives makes that tick a no-op.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFn
	running  atomic.Bool
	stopCh   chan struct{}
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*task),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddTicker registers a task to run on a fixed interval.
// If a task with the same name exists, it is replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tasks[name]; ok {
		close(old.stopCh)
	}
	t := &task{name: name, interval: interval, fn: fn, stopCh: make(chan struct{})}
	s.tasks[name] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(t)
			case <-t.stopCh:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

// RunNow runs the named task synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	return s.run(t)
}

func (s *Scheduler) run(t *task) (err error) {
	if !t.running.CompareAndSwap(false, true) {
		s.logger.Debug("scheduler task still running, tick skipped", zap.String("task", t.name))
		return nil
	}
	defer t.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked", zap.String("task", t.name), zap.Any("recover", r))
			err = fmt.Errorf("scheduler: task %s panicked: %v", t.name, r)
		}
	}()

	start := time.Now()
	if err = t.fn(s.ctx); err != nil {
		s.logger.Error("scheduler task failed", zap.String("task", t.name), zap.Error(err))
		return err
	}
	s.logger.Debug("scheduler task done", zap.String("task", t.name), zap.Duration("took", time.Since(start)))
	return nil
}

// Remove stops and removes a task by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		close(t.stopCh)
		delete(s.tasks, name)
	}
}

// Stop cancels running tasks and waits for every ticker goroutine to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ListTickers returns the names of all registered tasks, sorted.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
