// Package taskgraph validates task plan DAGs and computes their execution
// layering. Validation failures are reported with typed reasons so callers
// can surface them verbatim.
package taskgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// Validation failure reasons.
var (
	ErrEmptyPlan   = errors.New("EMPTY_PLAN: plan contains no tasks")
	ErrUnknownID   = errors.New("UNKNOWN_ID: dependency references unknown task")
	ErrDuplicateID = errors.New("DUPLICATE_ID: task id appears more than once")
	ErrCycle       = errors.New("CYCLE: dependency relation is cyclic")
)

// Graph is an immutable view over a plan's tasks and dependency edges.
// Edges point dependency → dependent: an edge (a→b) means b depends on a.
type Graph struct {
	tasks map[string]*models.TaskPlanTask
	order []string // insertion order, for deterministic error reporting

	// outgoing[a] = tasks that depend on a; incoming[b] = dependencies of b.
	outgoing map[string][]string
	incoming map[string][]string
}

// New builds a graph from plan tasks. It does not validate; call Validate.
func New(tasks []*models.TaskPlanTask) *Graph {
	g := &Graph{
		tasks:    make(map[string]*models.TaskPlanTask, len(tasks)),
		order:    make([]string, 0, len(tasks)),
		outgoing: make(map[string][]string),
		incoming: make(map[string][]string),
	}
	for _, t := range tasks {
		if _, dup := g.tasks[t.LogicalID]; dup {
			// Keep the first occurrence; Validate reports the duplicate.
			g.order = append(g.order, t.LogicalID)
			continue
		}
		g.tasks[t.LogicalID] = t
		g.order = append(g.order, t.LogicalID)
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			g.outgoing[dep] = append(g.outgoing[dep], t.LogicalID)
			g.incoming[t.LogicalID] = append(g.incoming[t.LogicalID], dep)
		}
	}
	return g
}

// Task returns the task with the given logical id.
func (g *Graph) Task(id string) (*models.TaskPlanTask, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Len returns the number of distinct tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// Dependents returns the tasks that depend on id.
func (g *Graph) Dependents(id string) []string { return g.outgoing[id] }

// Dependencies returns the tasks id depends on.
func (g *Graph) Dependencies(id string) []string { return g.incoming[id] }

// TotalCost sums the estimated cost of all tasks.
func (g *Graph) TotalCost() float64 {
	var sum float64
	for _, t := range g.tasks {
		sum += t.EstimatedCost
	}
	return sum
}

// TotalDuration sums the estimated duration (seconds) of all tasks.
func (g *Graph) TotalDuration() float64 {
	var sum float64
	for _, t := range g.tasks {
		sum += t.EstimatedDuration
	}
	return sum
}

// Validate checks the plan invariants: non-empty, unique ids, every
// dependency endpoint known, and acyclic.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return ErrEmptyPlan
	}
	seen := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		if seen[id] {
			return fmt.Errorf("%w: %q", ErrDuplicateID, id)
		}
		seen[id] = true
	}
	for _, t := range g.tasks {
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on %q", ErrUnknownID, t.LogicalID, dep)
			}
		}
	}
	if path := g.findCycle(); path != nil {
		return fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
	}
	return nil
}

// findCycle runs an iterative DFS with an explicit stack and recursion-stack
// tracking. Returns the cycle path if one exists, nil otherwise. Iterative on
// purpose: large plans must not overflow the goroutine stack.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.tasks))

	type frame struct {
		id   string
		next int // index into outgoing edges
	}

	ids := g.sortedIDs()
	for _, start := range ids {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.outgoing[top.id]
			if top.next < len(edges) {
				child := edges[top.next]
				top.next++
				switch color[child] {
				case white:
					color[child] = gray
					stack = append(stack, frame{id: child})
				case gray:
					// Cycle: slice the recursion stack from child to top.
					path := []string{child}
					for i := len(stack) - 1; i >= 0; i-- {
						path = append(path, stack[i].id)
						if stack[i].id == child {
							break
						}
					}
					// Reverse into child → … → child order.
					for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
						path[l], path[r] = path[r], path[l]
					}
					return path
				}
				continue
			}
			color[top.id] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// Layers computes a Kahn-style layered topological sort. Each layer is the
// set of currently zero-in-degree tasks, ordered lexicographically for
// determinism. Validate must have passed; on an invalid graph the result is
// undefined.
func (g *Graph) Layers() [][]string {
	inDegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		inDegree[id] = len(g.incoming[id])
	}

	remaining := len(g.tasks)
	var layers [][]string
	for remaining > 0 {
		var layer []string
		for id, d := range inDegree {
			if d == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Cycle slipped past validation; stop rather than spin.
			return layers
		}
		sort.Strings(layer)
		for _, id := range layer {
			delete(inDegree, id)
			for _, dep := range g.outgoing[id] {
				inDegree[dep]--
			}
		}
		remaining -= len(layer)
		layers = append(layers, layer)
	}
	return layers
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
