package db

import (
	"sync"

	"github.com/ldi/foreman/pkg/models"
)

type StagedItems struct {
	Features     []*models.Feature
	Dependencies []*models.Dependency
}

// StagingManager provides thread-safe in-memory storage for staged changes.
// An agent session proposes features and dependency edges under a session id
// and commits them as one batch.
type StagingManager struct {
	mu     sync.RWMutex
	staged map[string]*StagedItems
}

func NewStagingManager() *StagingManager {
	return &StagingManager{
		staged: make(map[string]*StagedItems),
	}
}

func (sm *StagingManager) AddFeature(sessionID string, feature *models.Feature) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.staged[sessionID] == nil {
		sm.staged[sessionID] = &StagedItems{
			Features:     []*models.Feature{},
			Dependencies: []*models.Dependency{},
		}
	}
	sm.staged[sessionID].Features = append(sm.staged[sessionID].Features, feature)
}

func (sm *StagingManager) AddDependency(sessionID string, dep *models.Dependency) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.staged[sessionID] == nil {
		sm.staged[sessionID] = &StagedItems{
			Features:     []*models.Feature{},
			Dependencies: []*models.Dependency{},
		}
	}
	sm.staged[sessionID].Dependencies = append(sm.staged[sessionID].Dependencies, dep)
}

func (sm *StagingManager) GetAndClear(sessionID string) *StagedItems {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	items, ok := sm.staged[sessionID]
	if !ok {
		return &StagedItems{
			Features:     []*models.Feature{},
			Dependencies: []*models.Dependency{},
		}
	}

	delete(sm.staged, sessionID)
	return items
}

func (sm *StagingManager) Peek(sessionID string) *StagedItems {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	items, ok := sm.staged[sessionID]
	if !ok {
		return &StagedItems{
			Features:     []*models.Feature{},
			Dependencies: []*models.Dependency{},
		}
	}

	return items
}
