package scheduler

// EventType classifies lifecycle events from the agent-execution collaborator.
type EventType string

const (
	// EventStart confirms an issued start request: the agent session for
	// the feature is actually running.
	EventStart EventType = "start"
	// EventComplete reports an agent session that exited successfully.
	EventComplete EventType = "complete"
	// EventError reports an agent session that exited with a failure.
	EventError EventType = "error"
)

// Event is one entry in the agent event stream, keyed by feature id.
type Event struct {
	Type      EventType
	FeatureID string
	// Detail carries agent output or error text, informational only.
	Detail string
}

// Messages emitted on the scheduler's message channel, consumed by the TUI.

type FeatureAdmittedMsg struct {
	FeatureID string
	Name      string
	Branch    string
}

type FeatureRunningMsg struct {
	FeatureID string
}

type FeatureSettledMsg struct {
	FeatureID string
	Success   bool
	Detail    string
}

type StatusMsg struct {
	Message string
}

type IdleStateMsg struct {
	Idle bool
}
