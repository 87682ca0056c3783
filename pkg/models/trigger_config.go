package models

import (
	"time"

	"github.com/robfig/cron/v3"
)

// DependencyOperator decides how many referenced tasks must be done.
type DependencyOperator string

const (
	OperatorAll DependencyOperator = "all"
	OperatorAny DependencyOperator = "any"
)

// ExecutionPolicy decides whether a dependency clause fires once or on every rising edge.
type ExecutionPolicy string

const (
	PolicyOnce   ExecutionPolicy = "once"
	PolicyRepeat ExecutionPolicy = "repeat"
)

// ScheduleKind distinguishes one-shot schedules from cron schedules.
type ScheduleKind string

const (
	ScheduleOnce      ScheduleKind = "once"
	ScheduleRecurring ScheduleKind = "recurring"
)

// CombineMode decides how a dependency clause and a schedule clause are combined
// when both are present on the same task.
type CombineMode string

const (
	CombineAny CombineMode = "any"
	CombineAll CombineMode = "all"
)

// TriggerConfig holds the clauses that make a task eligible to auto-start.
// Each clause is optional; a nil config never triggers.
type TriggerConfig struct {
	Dependency *DependencyClause `json:"dependency,omitempty"`
	Schedule   *ScheduleClause   `json:"schedule,omitempty"`

	// Combine overrides the engine default when both clauses are set.
	Combine CombineMode `json:"combine,omitempty"`
}

// DependencyClause fires when referenced tasks reach done.
type DependencyClause struct {
	TaskSequences []int              `json:"task_sequences"`
	Operator      DependencyOperator `json:"operator,omitempty"`
	Policy        ExecutionPolicy    `json:"execution_policy,omitempty"`
}

// ScheduleClause fires at a point in time or on a cron schedule.
type ScheduleClause struct {
	Kind     ScheduleKind `json:"kind"`
	At       *time.Time   `json:"at,omitempty"`
	Cron     string       `json:"cron,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// EffectiveOperator returns the operator, defaulting to all.
func (d *DependencyClause) EffectiveOperator() DependencyOperator {
	if d.Operator == "" {
		return OperatorAll
	}

	return d.Operator
}

// EffectivePolicy returns the execution policy, defaulting to once.
func (d *DependencyClause) EffectivePolicy() ExecutionPolicy {
	if d.Policy == "" {
		return PolicyOnce
	}

	return d.Policy
}

// Location resolves the clause timezone. An empty timezone means UTC.
func (s *ScheduleClause) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}

	return time.LoadLocation(s.Timezone)
}

// CronSchedule parses the cron expression of a recurring clause.
func (s *ScheduleClause) CronSchedule() (cron.Schedule, error) {
	return cronParser.Parse(s.Cron)
}

// Next returns the next firing time strictly after ref, in the clause timezone.
// A one-shot clause returns its time if it is after ref, otherwise the zero time.
func (s *ScheduleClause) Next(ref time.Time) (time.Time, error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, err
	}

	switch s.Kind {
	case ScheduleOnce:
		if s.At != nil && s.At.After(ref) {
			return s.At.In(loc), nil
		}

		return time.Time{}, nil
	case ScheduleRecurring:
		schedule, err := s.CronSchedule()
		if err != nil {
			return time.Time{}, err
		}

		return schedule.Next(ref.In(loc)), nil
	default:
		return time.Time{}, NewValidationError("schedule.kind", "unknown schedule kind "+string(s.Kind))
	}
}

// Validate checks the trigger configuration. The task's own sequence is passed so
// self-references can be rejected.
func (c *TriggerConfig) Validate(selfSequence int) error {
	if c == nil {
		return nil
	}

	switch c.Combine {
	case "", CombineAny, CombineAll:
	default:
		return NewValidationError("trigger_config.combine", "must be any or all")
	}

	if c.Dependency != nil {
		if err := c.Dependency.validate(selfSequence); err != nil {
			return err
		}
	}

	if c.Schedule != nil {
		if err := c.Schedule.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (d *DependencyClause) validate(selfSequence int) error {
	if len(d.TaskSequences) == 0 {
		return NewValidationError("trigger_config.dependency.task_sequences", "at least one task is required")
	}

	seen := make(map[int]struct{}, len(d.TaskSequences))

	for _, seq := range d.TaskSequences {
		if seq <= 0 {
			return NewValidationError("trigger_config.dependency.task_sequences", "sequences must be positive")
		}

		if seq == selfSequence {
			return NewValidationError("trigger_config.dependency.task_sequences", "a task cannot depend on itself")
		}

		if _, dup := seen[seq]; dup {
			return NewValidationError("trigger_config.dependency.task_sequences", "duplicate sequence")
		}

		seen[seq] = struct{}{}
	}

	switch d.Operator {
	case "", OperatorAll, OperatorAny:
	default:
		return NewValidationError("trigger_config.dependency.operator", "must be all or any")
	}

	switch d.Policy {
	case "", PolicyOnce, PolicyRepeat:
	default:
		return NewValidationError("trigger_config.dependency.execution_policy", "must be once or repeat")
	}

	return nil
}

func (s *ScheduleClause) validate() error {
	if _, err := s.Location(); err != nil {
		return NewValidationError("trigger_config.schedule.timezone", err.Error())
	}

	switch s.Kind {
	case ScheduleOnce:
		if s.At == nil {
			return NewValidationError("trigger_config.schedule.at", "required for once schedules")
		}
	case ScheduleRecurring:
		if s.Cron == "" {
			return NewValidationError("trigger_config.schedule.cron", "required for recurring schedules")
		}

		if _, err := s.CronSchedule(); err != nil {
			return NewValidationError("trigger_config.schedule.cron", err.Error())
		}
	default:
		return NewValidationError("trigger_config.schedule.kind", "must be once or recurring")
	}

	return nil
}
