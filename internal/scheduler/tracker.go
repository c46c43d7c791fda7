package scheduler

import (
	"sync"
	"time"
)

type RunState string

const (
	// RunStatePending covers the window between issuing a start request and
	// receiving its confirmation event.
	RunStatePending RunState = "pending"
	RunStateRunning RunState = "running"
)

// RunRecord tracks one feature the scheduler has started. At most one record
// exists per feature id; that uniqueness is what prevents duplicate agent
// invocations.
type RunRecord struct {
	FeatureID string
	State     RunState
	StartedAt time.Time
}

// tracker is the authoritative in-memory run-state record. All writes happen
// on the scheduler goroutine; the mutex exists for read access from the TUI
// and web API.
type tracker struct {
	mu      sync.RWMutex
	records map[string]*RunRecord
}

func newTracker() *tracker {
	return &tracker{records: make(map[string]*RunRecord)}
}

// Active returns the number of tracked runs, pending and running alike.
// Both consume a concurrency slot.
func (t *tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *tracker) Has(featureID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[featureID]
	return ok
}

// AddPending creates a pending record. It refuses to overwrite an existing
// record and reports whether one was created.
func (t *tracker) AddPending(featureID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[featureID]; exists {
		return false
	}
	t.records[featureID] = &RunRecord{
		FeatureID: featureID,
		State:     RunStatePending,
		StartedAt: time.Now(),
	}
	return true
}

// Confirm moves a pending record to running. A confirmation with no pending
// record (stale event after teardown or restart) is reported as false and
// must not create a record.
func (t *tracker) Confirm(featureID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[featureID]
	if !ok || rec.State != RunStatePending {
		return false
	}
	rec.State = RunStateRunning
	return true
}

// Settle removes the record regardless of its state, freeing a slot on the
// next tick. Reports whether a record existed.
func (t *tracker) Settle(featureID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[featureID]; !ok {
		return false
	}
	delete(t.records, featureID)
	return true
}

// ClearPending drops every pending record and returns their feature ids.
// Running records are left alone: teardown does not kill live sessions.
func (t *tracker) ClearPending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []string
	for id, rec := range t.records {
		if rec.State == RunStatePending {
			cleared = append(cleared, id)
			delete(t.records, id)
		}
	}
	return cleared
}

// Records returns a copy of all current records.
func (t *tracker) Records() []RunRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RunRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}
