package trigger

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/taskflow/pkg/models"
)

// ErrDependencyCycle is matched by every rejected edge that would close a cycle.
// Cycle errors also match models.ErrValidation.
var ErrDependencyCycle = errors.New("dependency cycle")

// CycleError carries the sequences forming the cycle, first and last being equal.
type CycleError struct {
	Path []int
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, seq := range e.Path {
		parts[i] = fmt.Sprintf("#%d", seq)
	}

	return fmt.Sprintf("%v: %s", ErrDependencyCycle, strings.Join(parts, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrDependencyCycle || target == models.ErrValidation
}

// Graph maps a task sequence to the sequences it depends on.
type Graph map[int][]int

// BuildGraph collects explicit dependencies and dependency clause references of the
// given non-deleted tasks.
func BuildGraph(tasks []*models.Task) Graph {
	g := make(Graph, len(tasks))

	for _, task := range tasks {
		if task.IsDeleted() {
			continue
		}

		g[task.Sequence] = edgesOf(task)
	}

	return g
}

func edgesOf(task *models.Task) []int {
	edges := slices.Clone(task.Dependencies)

	if task.TriggerConfig != nil && task.TriggerConfig.Dependency != nil {
		for _, seq := range task.TriggerConfig.Dependency.TaskSequences {
			if !slices.Contains(edges, seq) {
				edges = append(edges, seq)
			}
		}
	}

	return edges
}

// DetectCycle walks the graph depth first and returns the first cycle found, or nil.
func DetectCycle(g Graph) []int {
	const (
		unvisited = iota
		visiting
		visited
	)

	state := make(map[int]int, len(g))
	stack := make([]int, 0, len(g))

	var visit func(node int) []int

	visit = func(node int) []int {
		state[node] = visiting
		stack = append(stack, node)

		for _, next := range g[node] {
			switch state[next] {
			case visiting:
				start := slices.Index(stack, next)
				cycle := slices.Clone(stack[start:])

				return append(cycle, next)
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = visited

		return nil
	}

	nodes := make([]int, 0, len(g))
	for node := range g {
		nodes = append(nodes, node)
	}

	slices.Sort(nodes)

	for _, node := range nodes {
		if state[node] == unvisited {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

// ValidateEdges checks the dependency edges of task against the rest of its project:
// every reference must name an existing task and the edges must not close a cycle.
// task replaces any stored version with the same sequence in others.
func ValidateEdges(task *models.Task, others []*models.Task) error {
	g := BuildGraph(others)

	for _, seq := range edgesOf(task) {
		if seq == task.Sequence {
			return models.NewValidationError("dependencies", "a task cannot depend on itself")
		}

		if _, ok := g[seq]; !ok {
			return models.NewValidationError("dependencies", fmt.Sprintf("task #%d does not exist in project %s", seq, task.ProjectID))
		}
	}

	g[task.Sequence] = edgesOf(task)

	if cycle := DetectCycle(g); cycle != nil {
		return &CycleError{Path: cycle}
	}

	return nil
}

// ValidateNext checks an explicit successor list returned by task from. Each successor
// must exist and must not already be upstream of from.
func ValidateNext(from int, next []int, tasks []*models.Task) error {
	g := BuildGraph(tasks)

	for _, seq := range next {
		if seq == from {
			return models.NewValidationError("control.next", "a task cannot schedule itself")
		}

		if _, ok := g[seq]; !ok {
			return models.NewValidationError("control.next", fmt.Sprintf("task #%d does not exist", seq))
		}

		if !slices.Contains(g[seq], from) {
			g[seq] = append(slices.Clone(g[seq]), from)
		}
	}

	if cycle := DetectCycle(g); cycle != nil {
		return &CycleError{Path: cycle}
	}

	return nil
}
