package cronjob

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps robfig/cron with runtime-added tasks keyed by job ID.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// taskTimeout bounds a single job execution.
const taskTimeout = 5 * time.Minute

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// Start begins running the scheduler. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels in-flight tasks and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
}

// AddTask schedules fn under id. One-shot tasks remove themselves after
// their first firing.
func (s *Scheduler) AddTask(id string, schedule cron.Schedule, fn func(ctx context.Context) error, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("scheduler: task %q already exists", id)
	}

	logger := s.logger
	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			logger.Debug("scheduler stopped, skipping task", "id", id)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(taskCtx); err != nil {
			logger.Warn("scheduled task failed", "id", id, "error", err, "duration", time.Since(start))
		} else {
			logger.Info("scheduled task completed", "id", id, "duration", time.Since(start))
		}

		if oneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
		}
	}))

	s.entries[id] = entryID
	logger.Info("task scheduled", "id", id)
	return nil
}

// RemoveTask removes a task by id.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	return nil
}

// NextRun returns the next firing time for a task, or nil if not scheduled.
func (s *Scheduler) NextRun(id string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// ParseExpression parses a cron expression (five fields or @descriptors).
func ParseExpression(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// NewConstantDelay returns a schedule firing at a fixed interval. Unlike
// cron.Every it supports sub-second durations, which the tests rely on.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
