package models

import "time"

type FeatureStatus string

const (
	FeatureStatusBacklog         FeatureStatus = "backlog"
	FeatureStatusInProgress      FeatureStatus = "in_progress"
	FeatureStatusWaitingApproval FeatureStatus = "waiting_approval"
	FeatureStatusVerified        FeatureStatus = "verified"
	FeatureStatusCompleted       FeatureStatus = "completed"
)

// Priority bounds: 1 is highest, 3 is lowest.
const (
	PriorityHighest = 1
	PriorityDefault = 2
	PriorityLowest  = 3
)

type Feature struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Specification string        `json:"specification"`
	Status        FeatureStatus `json:"status"`
	Priority      int           `json:"priority"`
	BranchName    string        `json:"branch_name,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at"`

	// Dependencies lists the ids of features this feature depends on,
	// in creation order. Populated on snapshot reads.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Satisfied reports whether a feature in this status counts as a satisfied
// dependency.
func (s FeatureStatus) Satisfied() bool {
	return s == FeatureStatusCompleted || s == FeatureStatusVerified
}

// EffectivePriority returns the feature's priority, defaulting when unset.
func (f *Feature) EffectivePriority() int {
	if f.Priority < PriorityHighest {
		return PriorityDefault
	}
	return f.Priority
}
