package automation

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dukex/taskflow/pkg/models"
)

// Action is one configured rule action bound to its collaborators.
type Action interface {
	Execute(ctx context.Context, rule *models.AutomationRule, event Event) (any, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, rule *models.AutomationRule, event Event) (any, error)

func (f ActionFunc) Execute(ctx context.Context, rule *models.AutomationRule, event Event) (any, error) {
	return f(ctx, rule, event)
}

// ActionFactory builds an Action from its tagged configuration.
type ActionFactory func(action models.RuleAction) (Action, error)

// Registry maps action types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.ActionType]ActionFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.ActionType]ActionFactory)}
}

// Register adds or replaces the factory of an action type.
func (r *Registry) Register(actionType models.ActionType, factory ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[actionType] = factory
}

func (r *Registry) Create(action models.RuleAction) (Action, error) {
	r.mu.RLock()
	factory, ok := r.factories[action.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("action type '%s' not registered", action.Type)
	}

	return factory(action)
}

// Types lists the registered action types in sorted order.
func (r *Registry) Types() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.ActionType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}

	slices.Sort(types)

	return types
}
