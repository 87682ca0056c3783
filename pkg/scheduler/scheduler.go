// Package scheduler is the clock of the engine: it fires due schedule clauses and announces
// approaching due dates.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSpec      = "@every 1m"
	DefaultDueWindow = 24 * time.Hour
)

// Runner starts the tasks whose schedule clause is due.
type Runner interface {
	Tick(ctx context.Context, now time.Time) (int, error)
}

// Result summarizes one tick.
type Result struct {
	Started int
	DueSoon int
}

type Option func(*Scheduler)

// WithSpec sets the cron spec of the tick, e.g. "@every 30s" or "*/5 * * * *".
func WithSpec(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.spec = spec
		}
	}
}

// WithDueWindow sets how far ahead due dates are announced.
func WithDueWindow(window time.Duration) Option {
	return func(s *Scheduler) {
		if window > 0 {
			s.window = window
		}
	}
}

type Scheduler struct {
	runner    Runner
	tasks     persistence.TaskRepository
	publisher eventbus.EventPublisher
	logger    *slog.Logger
	spec      string
	window    time.Duration
	now       func() time.Time

	cron *cron.Cron

	mu sync.Mutex
	// announced remembers the due date each task was announced for.
	announced map[models.TaskKey]time.Time
}

func New(runner Runner, tasks persistence.TaskRepository, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) *Scheduler {
	if publisher == nil {
		publisher = eventbus.NopPublisher{}
	}

	s := &Scheduler{
		runner:    runner,
		tasks:     tasks,
		publisher: publisher,
		logger:    logger.With("module", "scheduler"),
		spec:      DefaultSpec,
		window:    DefaultDueWindow,
		now:       time.Now,
		announced: make(map[models.TaskKey]time.Time),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start registers the tick and starts the cron loop. Ticks run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(ctx, s.now()); err != nil {
			s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", s.spec, err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", "spec", s.spec, "due_window", s.window)

	return nil
}

// Stop waits for a running tick to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.InfoContext(ctx, "scheduler stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires due schedules and announces due dates as of now.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	var result Result

	started, err := s.runner.Tick(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to fire schedules: %w", err)
	}

	result.Started = started

	dueSoon, err := s.AnnounceDueDates(ctx, now)
	if err != nil {
		return result, err
	}

	result.DueSoon = dueSoon

	if result.Started > 0 || result.DueSoon > 0 {
		s.logger.InfoContext(ctx, "scheduler tick", "started", result.Started, "due_soon", result.DueSoon)
	}

	return result, nil
}

// AnnounceDueDates publishes a due date approaching event once per task and due date for
// every open task due within the window.
func (s *Scheduler) AnnounceDueDates(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()

	tasks, err := s.tasks.ListDueBetween(ctx, now, now.Add(s.window))
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks due soon: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, due := range s.announced {
		if due.Before(now) {
			delete(s.announced, key)
		}
	}

	count := 0

	for _, task := range tasks {
		if task.DueDate == nil {
			continue
		}

		key := task.Key()
		if previous, ok := s.announced[key]; ok && previous.Equal(*task.DueDate) {
			continue
		}

		if err := s.publisher.Publish(ctx, key.String(), events.NewTaskDueDateApproaching(task, now)); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish due date event", "task", key.String(), "error", err)

			continue
		}

		s.announced[key] = *task.DueDate
		count++
	}

	return count, nil
}
