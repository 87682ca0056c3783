package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/metrics"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDueWindowHours applies to due_date_approaching rules without their own window.
const DefaultDueWindowHours = 24

// RuleSource provides the rules to evaluate and records their executions.
type RuleSource interface {
	FindEnabledRules(ctx context.Context, projectID string) ([]*models.AutomationRule, error)
	IncrementExecutionCount(ctx context.Context, ruleID string) error
}

// Recorder appends task history entries.
type Recorder interface {
	Record(ctx context.Context, key models.TaskKey, eventType models.HistoryEventType, data map[string]any)
}

// RuleOutcome summarizes one matched rule.
type RuleOutcome struct {
	RuleID  string
	Invoked int
	Failed  int
}

// Engine evaluates enabled rules against events and runs their actions in order.
type Engine struct {
	rules     RuleSource
	registry  *Registry
	history   Recorder
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	dueWindow int
	now       func() time.Time
}

type EngineOption func(*Engine)

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// WithDueWindow sets the default due_date_approaching window in hours.
func WithDueWindow(hours int) EngineOption {
	return func(e *Engine) {
		if hours > 0 {
			e.dueWindow = hours
		}
	}
}

func NewEngine(rules RuleSource, registry *Registry, history Recorder, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:     rules,
		registry:  registry,
		history:   history,
		tracer:    otelhelper.NoopTracer(),
		logger:    logger.With("module", "automation_engine"),
		dueWindow: DefaultDueWindowHours,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Triggers reports whether rule reacts to event, ignoring conditions.
func (e *Engine) Triggers(rule *models.AutomationRule, event Event) bool {
	if rule.Trigger.Type != event.Trigger || event.CausedBy(rule.RuleID) {
		return false
	}

	switch rule.Trigger.Type {
	case models.RuleTriggerTaskStatusChanged:
		if rule.Trigger.FromStatus != "" && rule.Trigger.FromStatus != event.FromStatus {
			return false
		}

		if rule.Trigger.ToStatus != "" && rule.Trigger.ToStatus != event.ToStatus {
			return false
		}
	case models.RuleTriggerDueDateApproaching:
		window := rule.Trigger.WithinHours
		if window == 0 {
			window = e.dueWindow
		}

		if event.HoursUntilDue > float64(window) {
			return false
		}
	}

	return true
}

// Evaluate runs every enabled rule whose trigger and conditions match event. A failing
// action is recorded and the remaining actions still run.
func (e *Engine) Evaluate(ctx context.Context, event Event) ([]RuleOutcome, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "automation.evaluate",
		attribute.String(otelhelper.ProjectIDKey, event.ProjectID),
		attribute.String(otelhelper.EventTypeKey, string(event.Trigger)))
	defer span.End()

	rules, err := e.rules.FindEnabledRules(ctx, event.ProjectID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to load automation rules: %w", err)
	}

	fields := event.Fields()
	outcomes := make([]RuleOutcome, 0)

	for _, rule := range rules {
		if !e.Triggers(rule, event) || !MatchAll(rule.Conditions, fields) {
			continue
		}

		e.metrics.RuleMatched(string(rule.Trigger.Type))

		outcome := e.run(ctx, rule, event)
		outcomes = append(outcomes, outcome)

		if outcome.Invoked == 0 {
			continue
		}

		if err := e.rules.IncrementExecutionCount(ctx, rule.RuleID); err != nil {
			e.logger.ErrorContext(ctx, "failed to record rule execution", "rule_id", rule.RuleID, "error", err)
		}
	}

	return outcomes, nil
}

func (e *Engine) run(ctx context.Context, rule *models.AutomationRule, event Event) RuleOutcome {
	outcome := RuleOutcome{RuleID: rule.RuleID}
	logger := e.logger.With("rule_id", rule.RuleID, "project_id", event.ProjectID, "trigger", event.Trigger)

	for i, config := range rule.Actions {
		outcome.Invoked++

		ctx, span := otelhelper.StartSpan(ctx, e.tracer, "automation.action",
			attribute.String(otelhelper.RuleIDKey, rule.RuleID),
			attribute.String(otelhelper.ActionTypeKey, string(config.Type)))

		started := e.now()

		result, err := e.execute(ctx, rule, config, event)

		e.metrics.ActionFinished(string(config.Type), err, e.now().Sub(started))

		data := map[string]any{
			"rule_id":      rule.RuleID,
			"rule_name":    rule.Name,
			"action_index": i,
			"action_type":  string(config.Type),
		}

		if err != nil {
			outcome.Failed++
			data["error"] = err.Error()

			otelhelper.SetError(span, err)
			logger.WarnContext(ctx, "automation action failed", "action_index", i, "action_type", config.Type, "error", err)
			e.record(ctx, event, models.HistoryExecutionFailed, data)
		} else {
			if result != nil {
				data["result"] = result
			}

			logger.InfoContext(ctx, "automation action ran", "action_index", i, "action_type", config.Type)
			e.record(ctx, event, models.HistoryAutomationActionRun, data)
		}

		span.End()
	}

	return outcome
}

func (e *Engine) execute(ctx context.Context, rule *models.AutomationRule, config models.RuleAction, event Event) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", config.Type, r)
		}
	}()

	action, err := e.registry.Create(config)
	if err != nil {
		return nil, err
	}

	return action.Execute(ctx, rule, event)
}

func (e *Engine) record(ctx context.Context, event Event, eventType models.HistoryEventType, data map[string]any) {
	key, ok := event.TaskKey()
	if !ok || e.history == nil {
		return
	}

	e.history.Record(ctx, key, eventType, data)
}

// Subscribe registers the engine for every event type that can trigger a rule.
func (e *Engine) Subscribe(sub eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{
		events.TaskCreatedEvent,
		events.TaskStatusChangedEvent,
		events.TaskAssignedEvent,
		events.TaskDueDateApproachingEvent,
		events.ProjectCompletedEvent,
	} {
		if err := sub.Handle(eventType, e.handle); err != nil {
			return fmt.Errorf("failed to subscribe automation engine to %s: %w", eventType, err)
		}
	}

	return nil
}

func (e *Engine) handle(ctx context.Context, raw any) error {
	event, ok := FromBusEvent(raw)
	if !ok {
		e.logger.WarnContext(ctx, "ignoring event without automation trigger", "event", fmt.Sprintf("%T", raw))

		return nil
	}

	_, err := e.Evaluate(ctx, event)

	return err
}
