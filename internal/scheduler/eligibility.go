package scheduler

import (
	"sort"

	"github.com/ldi/foreman/pkg/models"
)

// Eligible computes the backlog features runnable right now for the selected
// worktree context, sorted ascending by priority with input order preserved
// within a priority.
//
// A feature with no branch assignment is visible only in the primary context.
// A branch-scoped feature runs only when the selected context is checked out
// on that branch; starting it anywhere else would write agent output into the
// wrong branch's working tree. When the selected context has no branch yet,
// the project's primary branch is the match target.
//
// blocked is the resolver's blocked map for the same snapshot. It is only
// consulted when blockingEnabled is set; missing dependencies never appear in
// it and so never suppress eligibility.
func Eligible(features []*models.Feature, selected *models.WorktreeContext, primaryBranch string, blocked map[string][]string, blockingEnabled bool) []*models.Feature {
	isPrimary := selected == nil || selected.IsPrimary

	target := ""
	if selected != nil {
		target = selected.Branch
	}
	if target == "" {
		target = primaryBranch
	}

	var eligible []*models.Feature
	for _, f := range features {
		if f.Status != models.FeatureStatusBacklog {
			continue
		}
		if f.BranchName == "" {
			if !isPrimary {
				continue
			}
		} else if f.BranchName != target {
			continue
		}
		if blockingEnabled && len(blocked[f.ID]) > 0 {
			continue
		}
		eligible = append(eligible, f)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].EffectivePriority() < eligible[j].EffectivePriority()
	})

	return eligible
}
