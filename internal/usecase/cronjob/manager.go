package cronjob

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"swarmd/internal/domain"
	"swarmd/internal/usecase/eventbus"
	"swarmd/internal/usecase/swarm"
)

// Dispatcher is the slice of the swarm manager a fired job needs. Keeping
// it an interface here avoids a hard dependency on the concrete type and
// lets tests inject a recorder.
type Dispatcher interface {
	HandleUserMessage(ctx context.Context, text string, opts swarm.UserMessageOptions) (domain.SendMessageReceipt, error)
}

// Patch contains optional fields for updating a cron job.
type Patch struct {
	Name     *string              `json:"name,omitempty"`
	Schedule *domain.CronSchedule `json:"schedule,omitempty"`
	Message  *string              `json:"message,omitempty"`
	Target   *string              `json:"target_agent_id,omitempty"`
	Enabled  *bool                `json:"enabled,omitempty"`
}

// Manager orchestrates cron job CRUD, scheduling, and execution. Fired jobs
// inject their message through the same user-message path external surfaces
// use, tagged with the cron surface.
type Manager struct {
	store      domain.CronStore
	scheduler  *Scheduler
	dispatcher Dispatcher
	bus        domain.EventBus
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewManager creates a Manager. The dispatcher can be set later via
// SetDispatcher to break the construction-order dependency on the swarm.
func NewManager(store domain.CronStore, scheduler *Scheduler, bus domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		scheduler: scheduler,
		bus:       bus,
		logger:    logger,
	}
}

// SetDispatcher must be called before LoadAndSchedule.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// Create creates and schedules a new cron job.
func (m *Manager) Create(ctx context.Context, job domain.CronJob) (*domain.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = m.newID()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Enabled = true

	if err := validateSchedule(job.Schedule); err != nil {
		return nil, domain.WrapOp("cronmanager", err)
	}
	if job.Action.Message == "" {
		return nil, domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "action message is required")
	}

	if err := m.store.Save(ctx, job); err != nil {
		return nil, domain.WrapOp("cronmanager", err)
	}
	if err := m.scheduleJob(job); err != nil {
		// Best effort: remove from store if scheduling fails.
		m.store.Delete(ctx, job.ID)
		return nil, domain.WrapOp("cronmanager", err)
	}

	m.emitEvent(domain.EventCronJobCreated, job)
	m.logger.Info("cron job created", "id", job.ID, "name", job.Name)

	job.NextRunAt = m.scheduler.NextRun(job.ID)
	return &job, nil
}

// List returns all cron jobs with their next firing times.
func (m *Manager) List(ctx context.Context) ([]domain.CronJob, error) {
	jobs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].NextRunAt = m.scheduler.NextRun(jobs[i].ID)
	}
	return jobs, nil
}

// Get returns a single cron job by ID.
func (m *Manager) Get(ctx context.Context, id string) (*domain.CronJob, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.NextRunAt = m.scheduler.NextRun(id)
	return job, nil
}

// Update patches a cron job and reschedules if the schedule or enablement
// changed.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*domain.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	scheduleChanged := false
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Message != nil {
		job.Action.Message = *patch.Message
	}
	if patch.Target != nil {
		job.Action.TargetAgentID = *patch.Target
	}
	if patch.Enabled != nil && *patch.Enabled != job.Enabled {
		job.Enabled = *patch.Enabled
		scheduleChanged = true
	}
	if patch.Schedule != nil {
		if err := validateSchedule(*patch.Schedule); err != nil {
			return nil, domain.WrapOp("cronmanager", err)
		}
		job.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	job.UpdatedAt = time.Now()

	if err := m.store.Save(ctx, *job); err != nil {
		return nil, domain.WrapOp("cronmanager", err)
	}

	if scheduleChanged {
		m.scheduler.RemoveTask(id)
		if job.Enabled {
			if err := m.scheduleJob(*job); err != nil {
				return nil, domain.WrapOp("cronmanager", err)
			}
		}
	}

	m.emitEvent(domain.EventCronJobUpdated, *job)
	m.logger.Info("cron job updated", "id", id)

	job.NextRunAt = m.scheduler.NextRun(id)
	return job, nil
}

// Delete removes a cron job and its schedule.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scheduler.RemoveTask(id)
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}

	m.emitEvent(domain.EventCronJobDeleted, map[string]string{"id": id})
	m.logger.Info("cron job deleted", "id", id)
	return nil
}

// ListRuns returns execution history for a job, most recent first.
func (m *Manager) ListRuns(ctx context.Context, jobID string, limit int) ([]domain.CronRun, error) {
	return m.store.ListRuns(ctx, jobID, limit)
}

// LoadAndSchedule loads persisted jobs and schedules the enabled ones.
// Expired one-shot jobs are disabled instead of scheduled. Call once during
// startup after SetDispatcher.
func (m *Manager) LoadAndSchedule(ctx context.Context) error {
	jobs, err := m.store.List(ctx)
	if err != nil {
		return domain.WrapOp("cronmanager", err)
	}

	scheduled := 0
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if job.Schedule.Kind == "at" {
			if t, err := time.Parse(time.RFC3339, job.Schedule.At); err == nil && t.Before(time.Now()) {
				job.Enabled = false
				job.UpdatedAt = time.Now()
				m.store.Save(ctx, job)
				m.logger.Info("disabled expired one-shot job", "id", job.ID, "at", job.Schedule.At)
				continue
			}
		}
		if err := m.scheduleJob(job); err != nil {
			m.logger.Warn("failed to schedule persisted job", "id", job.ID, "error", err)
			continue
		}
		scheduled++
	}

	m.logger.Info("cron jobs loaded", "total", len(jobs), "scheduled", scheduled)
	return nil
}

func (m *Manager) scheduleJob(job domain.CronJob) error {
	sched, err := buildSchedule(job.Schedule)
	if err != nil {
		return err
	}
	oneShot := job.Schedule.Kind == "at"
	jobID := job.ID
	return m.scheduler.AddTask(jobID, sched, func(ctx context.Context) error {
		return m.executeJob(ctx, jobID)
	}, oneShot)
}

func (m *Manager) executeJob(ctx context.Context, jobID string) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return domain.WrapOp("cronmanager", err)
	}

	m.mu.Lock()
	dispatcher := m.dispatcher
	m.mu.Unlock()

	start := time.Now()
	var runErr error
	if dispatcher == nil {
		m.logger.Warn("cron job skipped, dispatcher not set", "id", jobID)
	} else {
		_, runErr = dispatcher.HandleUserMessage(ctx, job.Action.Message, swarm.UserMessageOptions{
			TargetAgentID: job.Action.TargetAgentID,
			Source: domain.SourceContext{
				Surface:  domain.SurfaceCron,
				SenderID: "cron:" + jobID,
			},
		})
	}
	duration := time.Since(start)

	run := domain.CronRun{
		JobID:     jobID,
		StartedAt: start,
		Duration:  duration.String(),
		Success:   runErr == nil,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	m.store.SaveRun(ctx, run)

	// Update job stats; one-shot jobs disable themselves in the same save.
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	job.UpdatedAt = now
	if job.Schedule.Kind == "at" {
		job.Enabled = false
	}
	m.store.Save(ctx, *job)

	m.emitEvent(domain.EventCronJobFired, run)
	return runErr
}

func (m *Manager) emitEvent(eventType domain.EventType, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), eventbus.NewEvent(eventType, "", payload))
}

func (m *Manager) newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// validateSchedule rejects malformed schedules before they reach the store.
func validateSchedule(s domain.CronSchedule) error {
	switch s.Kind {
	case "at":
		if s.At == "" {
			return domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "schedule kind 'at' requires an RFC 3339 timestamp")
		}
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "invalid 'at' timestamp: "+err.Error())
		}
	case "every":
		if s.EveryMs <= 0 {
			return domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "schedule kind 'every' requires positive every_ms")
		}
	case "cron":
		if s.Expression == "" {
			return domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "schedule kind 'cron' requires an expression")
		}
		if _, err := ParseExpression(s.Expression); err != nil {
			return domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "invalid cron expression: "+err.Error())
		}
	default:
		return domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "unknown schedule kind "+s.Kind)
	}
	return nil
}

// buildSchedule converts a domain.CronSchedule into a cron.Schedule.
func buildSchedule(s domain.CronSchedule) (cron.Schedule, error) {
	switch s.Kind {
	case "at":
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return nil, domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "invalid at time: "+err.Error())
		}
		return &onceSchedule{at: t}, nil
	case "every":
		return NewConstantDelay(time.Duration(s.EveryMs) * time.Millisecond), nil
	case "cron":
		return ParseExpression(s.Expression)
	default:
		return nil, domain.NewDomainError("cronmanager", domain.ErrInvalidInput, "unknown schedule kind "+s.Kind)
	}
}

// onceSchedule fires once at a specific time.
type onceSchedule struct {
	at   time.Time
	done atomic.Bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	if s.done.Load() || t.After(s.at) {
		s.done.Store(true)
		return time.Time{} // zero value = never fire again
	}
	s.done.Store(true)
	return s.at
}
