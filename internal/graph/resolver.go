// Package graph resolves feature dependency graphs into a priority-aware
// topological order. It is pure: no I/O, no concurrency, no shared state.
package graph

import (
	"sort"

	"github.com/ldi/foreman/pkg/models"
)

// Report is the result of resolving one feature snapshot.
type Report struct {
	// Order contains every input feature exactly once. Features that
	// participate in a cycle are appended after the ordered portion and
	// flagged in Cycles rather than dropped.
	Order []*models.Feature

	// Cycles lists each dependency cycle as the ids along its path.
	Cycles [][]string

	// Missing maps a feature id to dependency ids with no matching feature
	// in the input set. Missing dependencies never block scheduling.
	Missing map[string][]string

	// Blocked maps a feature id to dependency ids that exist but are not
	// yet completed or verified. Computed independently of cycle detection.
	Blocked map[string][]string
}

type node struct {
	feature *models.Feature
	seq     int // input position, the stable tie-break within a priority
	deps    []string
	indeg   int
}

// Resolve runs Kahn's algorithm with a priority-ordered ready set: among all
// currently-ready features the lowest priority number wins, so two features
// with no dependency relationship still come out in priority order.
func Resolve(features []*models.Feature) *Report {
	report := &Report{
		Order:   make([]*models.Feature, 0, len(features)),
		Missing: make(map[string][]string),
		Blocked: make(map[string][]string),
	}

	nodes := make(map[string]*node, len(features))
	for i, f := range features {
		nodes[f.ID] = &node{feature: f, seq: i}
	}

	// Dependents adjacency over edges whose dependency exists in the set.
	// Duplicate dependency ids are collapsed; missing ids are reported but
	// contribute no edge, otherwise the dependent could never become ready.
	dependents := make(map[string][]string)
	for _, f := range features {
		n := nodes[f.ID]
		seen := make(map[string]bool, len(f.Dependencies))
		for _, depID := range f.Dependencies {
			if seen[depID] {
				continue
			}
			seen[depID] = true

			dep, exists := nodes[depID]
			if !exists {
				report.Missing[f.ID] = append(report.Missing[f.ID], depID)
				continue
			}
			if !dep.feature.Status.Satisfied() {
				report.Blocked[f.ID] = append(report.Blocked[f.ID], depID)
			}
			n.deps = append(n.deps, depID)
			n.indeg++
			dependents[depID] = append(dependents[depID], f.ID)
		}
	}

	ready := make([]*node, 0, len(features))
	for _, f := range features {
		if n := nodes[f.ID]; n.indeg == 0 {
			ready = append(ready, n)
		}
	}

	placed := make(map[string]bool, len(features))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			pi, pj := ready[i].feature.EffectivePriority(), ready[j].feature.EffectivePriority()
			if pi != pj {
				return pi < pj
			}
			return ready[i].seq < ready[j].seq
		})

		n := ready[0]
		ready = ready[1:]

		report.Order = append(report.Order, n.feature)
		placed[n.feature.ID] = true

		for _, depID := range dependents[n.feature.ID] {
			dependent := nodes[depID]
			dependent.indeg--
			if dependent.indeg == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(placed) < len(features) {
		report.Cycles = findCycles(features, nodes, placed)

		// Cyclic features still appear in the output, unordered, so no
		// feature silently vanishes from view.
		for _, f := range features {
			if !placed[f.ID] {
				report.Order = append(report.Order, f)
			}
		}
	}

	return report
}

// findCycles walks the dependency edges of every unplaced feature with a
// depth-first search, tracking the recursion stack. Revisiting a node on the
// current path reports the path slice from that node as one cycle.
func findCycles(features []*models.Feature, nodes map[string]*node, placed map[string]bool) [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	onStack := make(map[string]int) // id -> position in path

	var path []string
	var walk func(id string)
	walk = func(id string) {
		visited[id] = true
		onStack[id] = len(path)
		path = append(path, id)

		for _, depID := range nodes[id].deps {
			if placed[depID] {
				continue
			}
			if pos, ok := onStack[depID]; ok {
				cycle := make([]string, len(path)-pos)
				copy(cycle, path[pos:])
				cycles = append(cycles, cycle)
				continue
			}
			if !visited[depID] {
				walk(depID)
			}
		}

		path = path[:len(path)-1]
		delete(onStack, id)
	}

	for _, f := range features {
		if !placed[f.ID] && !visited[f.ID] {
			walk(f.ID)
		}
	}

	return cycles
}
