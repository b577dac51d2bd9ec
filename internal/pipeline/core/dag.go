package core

import (
	"fmt"
	"sort"

	"ci-replicator/internal/common/errors"

	"github.com/heimdalr/dag"
)

// Graph is the frozen step graph of a compiled variant. Steps live in an arena sorted by
// name; edges are index sets pointing at upstream steps.
type Graph struct {
	steps   []Step
	index   map[string]int
	deps    [][]int
	batches [][]int
}

// newGraph resolves dependency names, rejects unknown targets and cycles, and precomputes
// the execution batches
func newGraph(steps []Step) (*Graph, error) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].Name < steps[j].Name })

	g := &Graph{
		steps: steps,
		index: make(map[string]int, len(steps)),
		deps:  make([][]int, len(steps)),
	}
	for i, s := range steps {
		g.index[s.Name] = i
	}

	d := dag.NewDAG()
	vertexIDs := make([]string, len(steps))
	stepIDs := make(map[string]int, len(steps))
	for i, s := range steps {
		id, err := d.AddVertex(s.Name)
		if err != nil {
			return nil, errors.InternalError(fmt.Sprintf("failed to add step %q", s.Name), err)
		}
		vertexIDs[i] = id
		stepIDs[id] = i
	}

	for i, s := range steps {
		for _, dep := range s.Upstream() {
			j, ok := g.index[dep]
			if !ok {
				return nil, errors.DefinitionErrorf("step %q depends on unknown step %q", s.Name, dep)
			}
			// edge direction is upstream -> downstream
			if err := d.AddEdge(vertexIDs[j], vertexIDs[i]); err != nil {
				return nil, errors.DefinitionErrorf("dependency %q -> %q creates a cycle: %v", dep, s.Name, err)
			}
			g.deps[i] = append(g.deps[i], j)
		}
		sort.Ints(g.deps[i])
	}

	batches, err := executionPlan(d, vertexIDs, stepIDs)
	if err != nil {
		return nil, err
	}
	g.batches = batches
	return g, nil
}

// executionPlan layers the graph: a step joins the first batch after all its parents
func executionPlan(d *dag.DAG, vertexIDs []string, stepIDs map[string]int) ([][]int, error) {
	var plan [][]int
	completed := make([]bool, len(vertexIDs))
	remaining := len(vertexIDs)

	for remaining > 0 {
		var batch []int
		for i, id := range vertexIDs {
			if completed[i] {
				continue
			}
			parents, err := d.GetParents(id)
			if err != nil {
				return nil, errors.InternalError("failed to read step parents", err)
			}
			ready := true
			for parentID := range parents {
				if !completed[stepIDs[parentID]] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, i)
			}
		}

		if len(batch) == 0 {
			return nil, errors.InternalError("step graph has no runnable step left", nil)
		}
		// arena indices are name-sorted, so batches are too
		for _, i := range batch {
			completed[i] = true
		}
		remaining -= len(batch)
		plan = append(plan, batch)
	}
	return plan, nil
}

// Len returns the number of steps
func (g *Graph) Len() int {
	return len(g.steps)
}

// Steps returns all steps sorted by name
func (g *Graph) Steps() []Step {
	out := make([]Step, len(g.steps))
	copy(out, g.steps)
	return out
}

// Step looks up a step by name
func (g *Graph) Step(name string) (Step, bool) {
	i, ok := g.index[name]
	if !ok {
		return Step{}, false
	}
	return g.steps[i], true
}

// Upstream returns the names of the direct dependencies of name
func (g *Graph) Upstream(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, len(g.deps[i]))
	for k, j := range g.deps[i] {
		out[k] = g.steps[j].Name
	}
	return out
}

// OrderedSteps returns batches of mutually independent steps. Every dependency of a step
// appears in an earlier batch.
func (g *Graph) OrderedSteps() [][]Step {
	out := make([][]Step, len(g.batches))
	for b, batch := range g.batches {
		out[b] = make([]Step, len(batch))
		for k, i := range batch {
			out[b][k] = g.steps[i]
		}
	}
	return out
}
