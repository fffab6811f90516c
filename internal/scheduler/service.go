package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agrisync/internal/clock"
	"agrisync/internal/domain"
	"agrisync/internal/metrics"
	"agrisync/internal/store"
)

const (
	DefaultTickInterval = time.Minute
	DefaultRetryDelay   = 30 * time.Minute
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrAlreadyRunning  = errors.New("scheduler already running")
	ErrNotRunning      = errors.New("scheduler not running")
	ErrInvalidTask     = errors.New("invalid task")

	// ErrSkipped is returned by a Handler that had nothing to do. The run
	// still counts as completed and the task is rescheduled normally.
	ErrSkipped = errors.New("skipped")
)

// Handler is the action bound to a task type.
type Handler interface {
	Handle(ctx context.Context) error
}

type HandlerFunc func(ctx context.Context) error

func (f HandlerFunc) Handle(ctx context.Context) error { return f(ctx) }

type Status string

const (
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
	StatusSkipped       Status = "skipped"
	StatusMisconfigured Status = "misconfigured"
)

// Result describes one execution attempt of a task.
type Result struct {
	TaskID   string          `json:"taskId"`
	TaskType domain.TaskType `json:"taskType"`
	Status   Status          `json:"status"`
	Err      error           `json:"-"`
	Error    string          `json:"error,omitempty"`
	NextRun  time.Time       `json:"nextRun"`
	Duration time.Duration   `json:"duration"`
}

type Config struct {
	TickInterval time.Duration
	RetryDelay   time.Duration
	Metrics      *metrics.Metrics
}

// Service owns the task table. Due tasks run one after another on a single
// loop; manual runs share the same execution lock.
type Service struct {
	repo     store.TaskRepository
	handlers map[domain.TaskType]Handler
	clock    clock.Clock
	metrics  *metrics.Metrics
	interval time.Duration
	retry    time.Duration

	mu      sync.Mutex
	tasks   map[string]domain.ScheduledTask
	running bool
	stop    chan struct{}
	done    chan struct{}

	execMu sync.Mutex
}

func NewService(repo store.TaskRepository, handlers map[domain.TaskType]Handler, clk clock.Clock, cfg Config) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		repo:     repo,
		handlers: handlers,
		clock:    clk,
		metrics:  cfg.Metrics,
		interval: cfg.TickInterval,
		retry:    cfg.RetryDelay,
		tasks:    make(map[string]domain.ScheduledTask),
	}
}

// DefaultTasks returns the tasks seeded into an empty table. The bulletin
// refresh is due immediately so a fresh install fetches on its first tick.
func DefaultTasks(now time.Time) []domain.ScheduledTask {
	defaults := []domain.ScheduledTask{
		{ID: "weather-refresh", Name: "Weather bulletin refresh", Schedule: "@every 3h", TaskType: domain.TaskDataRefresh},
		{ID: "reminder-check", Name: "Crop reminder check", Schedule: "@every 1h", TaskType: domain.TaskReminderCheck},
		{ID: "weekly-cleanup", Name: "Weekly cleanup", Schedule: "sun 03:00", TaskType: domain.TaskCleanup},
	}
	for i := range defaults {
		defaults[i].IsActive = true
		if defaults[i].TaskType == domain.TaskDataRefresh {
			defaults[i].NextRun = now
			continue
		}
		defaults[i].NextRun, _ = NextRun(defaults[i].Schedule, now)
	}
	return defaults
}

// Initialize loads persisted tasks, seeding the defaults into an empty table.
func (s *Service) Initialize(ctx context.Context) error {
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	if len(tasks) == 0 {
		tasks = DefaultTasks(s.clock.Now())
		for _, t := range tasks {
			if err := s.repo.UpsertTask(ctx, t); err != nil {
				return fmt.Errorf("seed task %s: %w", t.ID, err)
			}
		}
		log.Info().Int("tasks", len(tasks)).Msg("seeded default tasks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]domain.ScheduledTask, len(tasks))
	for _, t := range tasks {
		if err := ValidateSchedule(t.Schedule); err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("task has an invalid schedule")
		}
		s.tasks[t.ID] = t
	}
	log.Info().Int("tasks", len(s.tasks)).Msg("scheduler initialized")
	return nil
}

// Start begins ticking. It returns immediately; ticks run on one goroutine
// until Stop is called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)

	log.Info().Dur("interval", s.interval).Msg("scheduler started")
	return nil
}

func (s *Service) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Ticks outlive cancellation so an in-flight action finishes and
	// persists its result.
	runCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.stop == stop {
				s.running = false
			}
			s.mu.Unlock()
			log.Info().Msg("scheduler context done")
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(runCtx)
		}
	}
}

// Stop halts ticking and waits for an in-flight tick to finish. Task state
// is kept, so a later Start resumes where this one left off.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	log.Info().Msg("scheduler stopped")
	return nil
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick runs every due task once, in id order, and reports what happened.
func (s *Service) Tick(ctx context.Context) []Result {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	now := s.clock.Now()
	due := s.dueTasks(now)
	if len(due) == 0 {
		return nil
	}

	results := make([]Result, 0, len(due))
	for _, t := range due {
		results = append(results, s.execute(ctx, t, now))
	}
	return results
}

func (s *Service) dueTasks(now time.Time) []domain.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.ScheduledTask
	for _, t := range s.tasks {
		if t.IsActive && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}

// RunTask executes a task immediately regardless of its schedule.
func (s *Service) RunTask(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return Result{}, ErrTaskNotFound
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	// Re-read under the execution lock; a tick may have just run it.
	s.mu.Lock()
	t, ok = s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return Result{}, ErrTaskNotFound
	}
	return s.execute(ctx, t, s.clock.Now()), nil
}

func (s *Service) execute(ctx context.Context, t domain.ScheduledTask, now time.Time) Result {
	res := Result{TaskID: t.ID, TaskType: t.TaskType}

	h, ok := s.handlers[t.TaskType]
	if !ok {
		// Left due on purpose: it shows up on every tick until fixed.
		res.Status = StatusMisconfigured
		res.Err = fmt.Errorf("%w %q", ErrUnknownTaskType, t.TaskType)
		res.Error = res.Err.Error()
		res.NextRun = t.NextRun
		log.Error().Err(res.Err).Str("task_id", t.ID).Str("task_name", t.Name).Msg("task has no handler, leaving it due")
		s.metrics.TaskRun(string(t.TaskType), string(res.Status))
		return res
	}

	started := time.Now()
	err := invoke(ctx, h)
	res.Duration = time.Since(started)

	var lastRun *time.Time
	if err == nil || errors.Is(err, ErrSkipped) {
		res.Status = StatusSucceeded
		if err != nil {
			res.Status = StatusSkipped
		}
		var next time.Time
		next, err = NextRun(t.Schedule, now)
		if err == nil {
			res.NextRun = next
			lr := now
			lastRun = &lr
		}
	}

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		res.Error = err.Error()
		res.NextRun = now.Add(s.retry)
		lastRun = t.LastRun
		log.Warn().Err(err).
			Str("task_id", t.ID).
			Str("task_type", string(t.TaskType)).
			Time("retry_at", res.NextRun).
			Msg("task failed, scheduling retry")
	} else {
		log.Info().
			Str("task_id", t.ID).
			Str("task_name", t.Name).
			Str("status", string(res.Status)).
			Dur("took", res.Duration).
			Time("next_run", res.NextRun).
			Msg("task completed")
	}

	t.LastRun = lastRun
	t.NextRun = res.NextRun
	s.mu.Lock()
	if _, ok := s.tasks[t.ID]; ok {
		s.tasks[t.ID] = t
	}
	s.mu.Unlock()

	if perr := s.repo.UpdateTaskRun(ctx, t.ID, lastRun, res.NextRun); perr != nil {
		log.Error().Err(perr).Str("task_id", t.ID).Msg("failed to persist task run times")
	}
	s.metrics.TaskRun(string(t.TaskType), string(res.Status))
	return res
}

func invoke(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return h.Handle(ctx)
}

// Register validates and stores a task. Missing ids are generated and a
// zero NextRun is computed from the schedule.
func (s *Service) Register(ctx context.Context, t domain.ScheduledTask) (domain.ScheduledTask, error) {
	if t.Name == "" {
		return domain.ScheduledTask{}, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if _, ok := s.handlers[t.TaskType]; !ok {
		return domain.ScheduledTask{}, fmt.Errorf("%w %q", ErrUnknownTaskType, t.TaskType)
	}
	if err := ValidateSchedule(t.Schedule); err != nil {
		return domain.ScheduledTask{}, err
	}
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.NextRun.IsZero() {
		t.NextRun, _ = NextRun(t.Schedule, s.clock.Now())
	}

	if err := s.repo.UpsertTask(ctx, t); err != nil {
		return domain.ScheduledTask{}, err
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	log.Info().Str("task_id", t.ID).Str("schedule", t.Schedule).Time("next_run", t.NextRun).Msg("task registered")
	return t, nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if err := s.repo.DeleteTask(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	log.Info().Str("task_id", id).Msg("task removed")
	return nil
}

func (s *Service) Task(id string) (domain.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns a snapshot of the task table ordered by id.
func (s *Service) Tasks() []domain.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
