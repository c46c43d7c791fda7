package graph

import (
	"testing"

	"github.com/ldi/foreman/pkg/models"
)

func feat(id string, priority int, deps ...string) *models.Feature {
	return &models.Feature{
		ID:           id,
		Name:         "feature-" + id,
		Status:       models.FeatureStatusBacklog,
		Priority:     priority,
		Dependencies: deps,
	}
}

func orderIDs(r *Report) []string {
	ids := make([]string, 0, len(r.Order))
	for _, f := range r.Order {
		ids = append(ids, f.ID)
	}
	return ids
}

func positionOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestResolveEmpty(t *testing.T) {
	r := Resolve(nil)

	if len(r.Order) != 0 {
		t.Errorf("expected empty order, got %d features", len(r.Order))
	}
	if len(r.Cycles) != 0 {
		t.Errorf("expected no cycles, got %d", len(r.Cycles))
	}
}

func TestResolvePriorityReadyQueue(t *testing.T) {
	// Features 1 and 3 are both ready initially; 3 has the lower priority
	// number so it must come first, then 1, then 2 once 1 is placed.
	features := []*models.Feature{
		feat("1", 2),
		feat("2", 1, "1"),
		feat("3", 1),
	}

	r := Resolve(features)

	ids := orderIDs(r)
	want := []string{"3", "1", "2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, ids)
		}
	}
	if len(r.Cycles) != 0 {
		t.Errorf("expected no cycles, got %v", r.Cycles)
	}
}

func TestResolveDependentsAfterDependencies(t *testing.T) {
	features := []*models.Feature{
		feat("d", 1, "c"),
		feat("c", 1, "a", "b"),
		feat("b", 3),
		feat("a", 2),
	}

	r := Resolve(features)
	ids := orderIDs(r)

	deps := map[string][]string{
		"c": {"a", "b"},
		"d": {"c"},
	}
	for id, wants := range deps {
		for _, dep := range wants {
			if positionOf(ids, dep) > positionOf(ids, id) {
				t.Errorf("dependency %s placed after dependent %s: %v", dep, id, ids)
			}
		}
	}
}

func TestResolvePriorityTieBreakIsStable(t *testing.T) {
	// Mutually independent, all priority 2: input order must be preserved.
	features := []*models.Feature{
		feat("x", 2),
		feat("y", 2),
		feat("z", 2),
	}

	r := Resolve(features)
	ids := orderIDs(r)
	want := []string{"x", "y", "z"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected stable order %v, got %v", want, ids)
		}
	}
}

func TestResolveIndependentPairPriorityOrder(t *testing.T) {
	features := []*models.Feature{
		feat("low", 3),
		feat("high", 1),
	}

	r := Resolve(features)
	ids := orderIDs(r)
	if positionOf(ids, "high") > positionOf(ids, "low") {
		t.Errorf("higher-priority feature placed after lower: %v", ids)
	}
}

func TestResolveSelfDependencyCycle(t *testing.T) {
	r := Resolve([]*models.Feature{feat("1", 2, "1")})

	if len(r.Order) != 1 || r.Order[0].ID != "1" {
		t.Fatalf("expected feature 1 present in order, got %v", orderIDs(r))
	}
	if len(r.Cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %v", r.Cycles)
	}
	if len(r.Cycles[0]) != 1 || r.Cycles[0][0] != "1" {
		t.Errorf("expected cycle [1], got %v", r.Cycles[0])
	}
}

func TestResolveCycleContainment(t *testing.T) {
	// a -> b -> a is a cycle; c and d are outside it and must keep their
	// relative priority order.
	features := []*models.Feature{
		feat("c", 2),
		feat("a", 1, "b"),
		feat("b", 1, "a"),
		feat("d", 1),
	}

	r := Resolve(features)
	ids := orderIDs(r)

	if len(ids) != 4 {
		t.Fatalf("expected all 4 features in order, got %v", ids)
	}
	if positionOf(ids, "d") > positionOf(ids, "c") {
		t.Errorf("cycle changed relative order of outside features: %v", ids)
	}
	if len(r.Cycles) == 0 {
		t.Fatal("expected a cycle report")
	}

	inCycle := make(map[string]bool)
	for _, cycle := range r.Cycles {
		for _, id := range cycle {
			inCycle[id] = true
		}
	}
	if !inCycle["a"] || !inCycle["b"] {
		t.Errorf("expected a and b in cycle report, got %v", r.Cycles)
	}
	if inCycle["c"] || inCycle["d"] {
		t.Errorf("features outside the cycle were flagged: %v", r.Cycles)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	features := []*models.Feature{feat("1", 2, "ghost")}

	r := Resolve(features)

	if len(r.Order) != 1 {
		t.Fatalf("missing dependency must not drop the feature, got %v", orderIDs(r))
	}
	if got := r.Missing["1"]; len(got) != 1 || got[0] != "ghost" {
		t.Errorf("expected missing [ghost] for feature 1, got %v", got)
	}
	if len(r.Blocked["1"]) != 0 {
		t.Errorf("missing dependency must not count as blocking, got %v", r.Blocked["1"])
	}
	if len(r.Cycles) != 0 {
		t.Errorf("expected no cycles, got %v", r.Cycles)
	}
}

func TestResolveBlockedDependency(t *testing.T) {
	dep := feat("dep", 2)
	dep.Status = models.FeatureStatusInProgress
	dependent := feat("main", 2, "dep")

	r := Resolve([]*models.Feature{dep, dependent})

	if got := r.Blocked["main"]; len(got) != 1 || got[0] != "dep" {
		t.Errorf("expected blocked [dep] for main, got %v", got)
	}

	// A verified dependency no longer blocks.
	dep.Status = models.FeatureStatusVerified
	r = Resolve([]*models.Feature{dep, dependent})
	if len(r.Blocked["main"]) != 0 {
		t.Errorf("verified dependency must not block, got %v", r.Blocked["main"])
	}

	dep.Status = models.FeatureStatusCompleted
	r = Resolve([]*models.Feature{dep, dependent})
	if len(r.Blocked["main"]) != 0 {
		t.Errorf("completed dependency must not block, got %v", r.Blocked["main"])
	}
}

func TestResolveBlockedIsIndependentOfCycles(t *testing.T) {
	// main depends on an incomplete dep; no cycle anywhere.
	dep := feat("dep", 2)
	main := feat("main", 2, "dep")

	r := Resolve([]*models.Feature{dep, main})

	if len(r.Cycles) != 0 {
		t.Errorf("expected no cycles, got %v", r.Cycles)
	}
	if len(r.Blocked["main"]) != 1 {
		t.Errorf("expected main blocked, got %v", r.Blocked)
	}
}

func TestResolveDuplicateDependencyIDs(t *testing.T) {
	dep := feat("dep", 2)
	main := feat("main", 2, "dep", "dep", "dep")

	r := Resolve([]*models.Feature{dep, main})

	ids := orderIDs(r)
	if positionOf(ids, "dep") > positionOf(ids, "main") {
		t.Errorf("dep must precede main, got %v", ids)
	}
	if got := r.Blocked["main"]; len(got) != 1 {
		t.Errorf("duplicate deps must collapse to one blocked entry, got %v", got)
	}
	if len(r.Cycles) != 0 {
		t.Errorf("expected no cycles, got %v", r.Cycles)
	}
}

func TestResolveDefaultPriority(t *testing.T) {
	// Zero priority reads as the default (2): a priority-1 feature added
	// later must still be placed first.
	features := []*models.Feature{
		feat("unset", 0),
		feat("high", 1),
	}

	r := Resolve(features)
	ids := orderIDs(r)
	if ids[0] != "high" {
		t.Errorf("expected high first against defaulted priority, got %v", ids)
	}
}

func TestResolveCompletedDependencyOrdering(t *testing.T) {
	done := feat("done", 1)
	done.Status = models.FeatureStatusCompleted
	next := feat("next", 1, "done")

	r := Resolve([]*models.Feature{next, done})

	ids := orderIDs(r)
	if positionOf(ids, "done") > positionOf(ids, "next") {
		t.Errorf("completed dependency still precedes dependent in order: %v", ids)
	}
	if len(r.Blocked["next"]) != 0 {
		t.Errorf("completed dependency must not block, got %v", r.Blocked)
	}
}
