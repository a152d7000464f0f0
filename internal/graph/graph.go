package graph

import (
	"github.com/haatos/stepflow/internal/pipeline"
)

// Graph stores the steps of a pipeline and their dependency edges, and
// computes a stable topological execution order. Build validates the
// dependency relation up front; a Graph that Build returns is acyclic.
type Graph struct {
	order []string
	nodes map[string]*node
}

type node struct {
	id         string
	deps       map[string]struct{}
	dependents map[string]struct{}
}

// Build constructs a graph from the steps in submission order. It returns
// a DuplicateStepError on repeated ids, an UnknownDependencyError when a
// step references an id outside the pipeline, and a CycleError when the
// dependency relation is cyclic. No partial graph is returned on error.
func Build(steps []pipeline.Step) (*Graph, error) {
	g := &Graph{
		order: make([]string, 0, len(steps)),
		nodes: make(map[string]*node, len(steps)),
	}

	for _, s := range steps {
		if _, ok := g.nodes[s.ID]; ok {
			return nil, NewDuplicateStepError(s.ID)
		}
		g.order = append(g.order, s.ID)
		g.nodes[s.ID] = &node{
			id:         s.ID,
			deps:       make(map[string]struct{}),
			dependents: make(map[string]struct{}),
		}
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			from, ok := g.nodes[dep]
			if !ok {
				return nil, NewUnknownDependencyError(s.ID, dep)
			}
			g.nodes[s.ID].deps[dep] = struct{}{}
			from.dependents[s.ID] = struct{}{}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewCycleError(cycle)
	}

	return g, nil
}

// findCycle runs a depth-first traversal with three-color marking:
// unvisited, in-progress (on the current stack) and done. Reaching an
// in-progress node through a dependency edge is a back-edge, i.e. a cycle.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = inProgress
		stack = append(stack, id)

		for _, dep := range g.sortedDeps(id) {
			switch colors[dep] {
			case inProgress:
				// Back-edge; slice the stack from the first occurrence
				// of dep to report the full cycle path.
				for i, v := range stack {
					if v == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
				return []string{dep, id, dep}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = done
		return nil
	}

	for _, id := range g.order {
		if colors[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder returns the step ids such that every step appears after
// all of its dependencies. Ties among independent steps are broken by
// submission order, so repeated calls yield the same sequence.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].deps)
	}

	pos := make(map[string]int, len(g.order))
	for i, id := range g.order {
		pos[id] = i
	}

	// Kahn's algorithm over a submission-ordered ready list keeps the
	// order stable without a priority queue.
	ready := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)

		for _, dependent := range g.sortedDependents(id) {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = insertInSubmissionOrder(ready, dependent, pos)
			}
		}
	}
	return out
}

func insertInSubmissionOrder(ready []string, id string, pos map[string]int) []string {
	i := 0
	for i < len(ready) && pos[ready[i]] < pos[id] {
		i++
	}
	ready = append(ready, "")
	copy(ready[i+1:], ready[i:])
	ready[i] = id
	return ready
}

// Dependencies returns the ids the given step depends on, in submission order.
func (g *Graph) Dependencies(id string) []string {
	return g.sortedDeps(id)
}

// Dependents returns the ids that depend on the given step, in submission order.
func (g *Graph) Dependents(id string) []string {
	return g.sortedDependents(id)
}

func (g *Graph) sortedDeps(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.deps))
	for _, candidate := range g.order {
		if _, ok := n.deps[candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

func (g *Graph) sortedDependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.dependents))
	for _, candidate := range g.order {
		if _, ok := n.dependents[candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}
