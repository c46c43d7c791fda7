package models

// WorktreeContext is an isolated checkout bound to one git branch. Exactly one
// context per project is primary. Contexts are derived from git state, never
// persisted.
type WorktreeContext struct {
	Path                  string `json:"path"`
	Branch                string `json:"branch"`
	IsPrimary             bool   `json:"is_primary"`
	HasUncommittedChanges bool   `json:"has_uncommitted_changes"`
}
