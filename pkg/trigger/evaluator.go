// Package trigger decides which tasks become eligible to auto-start.
package trigger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// Cause names the clause that made a task eligible.
type Cause string

const (
	CauseDependency Cause = "dependency"
	CauseSchedule   Cause = "schedule"
)

// Candidate is a task the evaluator wants started.
type Candidate struct {
	Task  *models.Task
	Cause Cause
}

// DependencySatisfied reports whether the clause holds for the given statuses.
// Missing references count as not done.
func DependencySatisfied(clause *models.DependencyClause, statuses map[int]models.TaskStatus) bool {
	if clause == nil || len(clause.TaskSequences) == 0 {
		return false
	}

	done := 0

	for _, seq := range clause.TaskSequences {
		if statuses[seq] == models.TaskStatusDone {
			done++
		}
	}

	if clause.EffectiveOperator() == models.OperatorAny {
		return done > 0
	}

	return done == len(clause.TaskSequences)
}

// Evaluator evaluates trigger configs against stored tasks.
type Evaluator struct {
	tasks   persistence.TaskRepository
	edges   EdgeStore
	combine models.CombineMode
	logger  *slog.Logger
	now     func() time.Time
}

// NewEvaluator creates an evaluator. combine is the default used when a task sets
// both clauses without its own combine mode.
func NewEvaluator(tasks persistence.TaskRepository, edges EdgeStore, combine models.CombineMode, logger *slog.Logger) *Evaluator {
	if combine == "" {
		combine = models.CombineAny
	}

	return &Evaluator{
		tasks:   tasks,
		edges:   edges,
		combine: combine,
		logger:  logger.With("module", "trigger_evaluator"),
		now:     time.Now,
	}
}

func (e *Evaluator) combineMode(cfg *models.TriggerConfig) models.CombineMode {
	if cfg.Combine != "" {
		return cfg.Combine
	}

	return e.combine
}

// Candidates re-evaluates the dependency clauses that reference changedSequence and
// returns the tasks to start, ordered by execution order then sequence. Returned
// candidates stay eligible until they are passed to Consume.
func (e *Evaluator) Candidates(ctx context.Context, projectID string, changedSequence int) ([]Candidate, error) {
	tasks, err := e.tasks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of project %s: %w", projectID, err)
	}

	statuses := statusIndex(tasks)
	now := e.now().UTC()

	var candidates []Candidate

	for _, task := range tasks {
		cfg := task.TriggerConfig
		if cfg == nil || cfg.Dependency == nil || !slices.Contains(cfg.Dependency.TaskSequences, changedSequence) {
			continue
		}

		if !e.dependencyFires(task, statuses, now) {
			continue
		}

		if !task.CanAutoStart() {
			e.logger.DebugContext(ctx, "skipping eligible task that cannot auto-start", "task", task.Key().String())

			continue
		}

		candidates = append(candidates, Candidate{Task: task, Cause: CauseDependency})
	}

	sortCandidates(candidates)

	e.logger.DebugContext(ctx, "dependency triggers evaluated",
		"project_id", projectID,
		"changed_sequence", changedSequence,
		"candidates", len(candidates))

	return candidates, nil
}

// dependencyFires evaluates the dependency clause, combined with the schedule clause
// when the task requires both.
func (e *Evaluator) dependencyFires(task *models.Task, statuses map[int]models.TaskStatus, now time.Time) bool {
	clause := task.TriggerConfig.Dependency
	satisfied := DependencySatisfied(clause, statuses)

	var fires bool

	switch clause.EffectivePolicy() {
	case models.PolicyRepeat:
		fires = e.edges.Observe(task.Key(), satisfied)
	default:
		fires = satisfied && task.Status == models.TaskStatusTodo
	}

	if fires && task.TriggerConfig.Schedule != nil && e.combineMode(task.TriggerConfig) == models.CombineAll {
		fires = e.scheduleHolds(task, now)
	}

	return fires
}

// Settle records that the task changedSequence left done. Repeat clauses referencing it
// that no longer hold are re-armed, so their next rise starts the dependent again.
func (e *Evaluator) Settle(ctx context.Context, projectID string, changedSequence int) error {
	tasks, err := e.tasks.ListByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list tasks of project %s: %w", projectID, err)
	}

	statuses := statusIndex(tasks)

	for _, task := range tasks {
		cfg := task.TriggerConfig
		if cfg == nil || cfg.Dependency == nil || cfg.Dependency.EffectivePolicy() != models.PolicyRepeat ||
			!slices.Contains(cfg.Dependency.TaskSequences, changedSequence) {
			continue
		}

		if !DependencySatisfied(cfg.Dependency, statuses) {
			e.edges.Observe(task.Key(), false)
		}
	}

	return nil
}

// Consume records that candidate was started. A one-shot schedule stops being due and a
// repeat dependency waits for its next rise.
func (e *Evaluator) Consume(candidate Candidate) {
	cfg := candidate.Task.TriggerConfig
	if cfg == nil {
		return
	}

	key := candidate.Task.Key()
	both := e.combineMode(cfg) == models.CombineAll

	if cfg.Schedule != nil && cfg.Schedule.Kind == models.ScheduleOnce && (candidate.Cause == CauseSchedule || both) {
		e.edges.MarkFired(key)
	}

	if cfg.Dependency != nil && cfg.Dependency.EffectivePolicy() == models.PolicyRepeat && (candidate.Cause == CauseDependency || both) {
		e.edges.Consume(key)
	}
}

// DueSchedules returns tasks across all projects whose schedule clause is due at now.
// A one-shot schedule stays due until its candidate is consumed.
func (e *Evaluator) DueSchedules(ctx context.Context, now time.Time) ([]Candidate, error) {
	tasks, err := e.tasks.ListScheduled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}

	now = now.UTC()
	projects := make(map[string]map[int]models.TaskStatus)

	var candidates []Candidate

	for _, task := range tasks {
		cfg := task.TriggerConfig
		if task.IsDeleted() || cfg == nil || cfg.Schedule == nil {
			continue
		}

		due := e.scheduleHolds(task, now)

		if cfg.Schedule.Kind == models.ScheduleRecurring {
			e.edges.SetLastEvaluated(task.Key(), now)
		}

		if !due || !scheduleEligible(task) || !task.CanAutoStart() {
			continue
		}

		if cfg.Dependency != nil && e.combineMode(cfg) == models.CombineAll {
			statuses, ok := projects[task.ProjectID]
			if !ok {
				siblings, err := e.tasks.ListByProject(ctx, task.ProjectID)
				if err != nil {
					return nil, fmt.Errorf("failed to list tasks of project %s: %w", task.ProjectID, err)
				}

				statuses = statusIndex(siblings)
				projects[task.ProjectID] = statuses
			}

			if !DependencySatisfied(cfg.Dependency, statuses) {
				continue
			}
		}

		candidates = append(candidates, Candidate{Task: task, Cause: CauseSchedule})
	}

	sortCandidates(candidates)

	return candidates, nil
}

// scheduleHolds reports whether the schedule clause is currently due without
// consuming it.
func (e *Evaluator) scheduleHolds(task *models.Task, now time.Time) bool {
	clause := task.TriggerConfig.Schedule
	key := task.Key()

	switch clause.Kind {
	case models.ScheduleOnce:
		return clause.At != nil && !now.Before(*clause.At) && !e.edges.Fired(key)
	case models.ScheduleRecurring:
		ref, ok := e.edges.LastEvaluated(key)
		if !ok {
			ref = task.CreatedAt
		}

		next, err := clause.Next(ref)
		if err != nil {
			e.logger.Warn("invalid schedule clause", "task", key.String(), "error", err)

			return false
		}

		return !next.IsZero() && !next.After(now)
	default:
		return false
	}
}

// scheduleEligible limits schedule firing to statuses from which a run can start.
// One-shot schedules only fire from todo, recurring ones also re-run done tasks.
func scheduleEligible(task *models.Task) bool {
	if task.Status == models.TaskStatusTodo {
		return true
	}

	return task.TriggerConfig.Schedule.Kind == models.ScheduleRecurring && task.Status == models.TaskStatusDone
}

func statusIndex(tasks []*models.Task) map[int]models.TaskStatus {
	statuses := make(map[int]models.TaskStatus, len(tasks))

	for _, task := range tasks {
		if !task.IsDeleted() {
			statuses[task.Sequence] = task.Status
		}
	}

	return statuses
}

func sortCandidates(candidates []Candidate) {
	slices.SortFunc(candidates, func(a, b Candidate) int {
		return cmp.Or(
			cmp.Compare(a.Task.ExecutionOrder, b.Task.ExecutionOrder),
			cmp.Compare(a.Task.Sequence, b.Task.Sequence),
		)
	})
}
