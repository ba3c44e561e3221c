// Package store provides in-memory allocation store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements allocation.Store, allocation.UserStore and
// allocation.RunStore.
type Memory struct {
	mu          sync.RWMutex
	sources     map[string]allocation.Source
	userSources map[linkKey]allocation.UserSource
	users       map[string]allocation.User
	runs        map[string]allocation.SyncRun
}

type linkKey struct {
	Username string
	SourceID string
}

func NewMemory() *Memory {
	return &Memory{
		sources:     make(map[string]allocation.Source),
		userSources: make(map[linkKey]allocation.UserSource),
		users:       make(map[string]allocation.User),
		runs:        make(map[string]allocation.SyncRun),
	}
}

func (m *Memory) GetSource(_ context.Context, sourceID string) (*allocation.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src, ok := m.sources[sourceID]
	if !ok {
		return nil, nil
	}
	return &src, nil
}

// GetOrCreateSource is atomic under the store lock.
func (m *Memory) GetOrCreateSource(_ context.Context, src allocation.Source) (allocation.Source, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sources[src.SourceID]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	src.CreatedAt = now
	src.UpdatedAt = now
	m.sources[src.SourceID] = src
	return src, true, nil
}

func (m *Memory) UpdateSource(_ context.Context, src allocation.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sources[src.SourceID]
	if !ok {
		return allocation.ErrSourceNotFound
	}
	existing.Name = src.Name
	existing.ComputeAllowed = src.ComputeAllowed
	existing.UpdatedAt = time.Now().UTC()
	m.sources[src.SourceID] = existing
	return nil
}

func (m *Memory) ListSources(_ context.Context) ([]allocation.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]allocation.Source, 0, len(m.sources))
	for _, src := range m.sources {
		result = append(result, src)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SourceID < result[j].SourceID })
	return result, nil
}

func (m *Memory) GetOrCreateUserSource(_ context.Context, username, sourceID string) (allocation.UserSource, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[sourceID]; !ok {
		return allocation.UserSource{}, false, allocation.ErrSourceNotFound
	}
	k := linkKey{Username: username, SourceID: sourceID}
	if existing, ok := m.userSources[k]; ok {
		return existing, false, nil
	}
	link := allocation.UserSource{Username: username, SourceID: sourceID, CreatedAt: time.Now().UTC()}
	m.userSources[k] = link
	return link, true, nil
}

func (m *Memory) ListUserSources(_ context.Context, username string) ([]allocation.UserSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []allocation.UserSource
	for k, link := range m.userSources {
		if k.Username == username {
			result = append(result, link)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SourceID < result[j].SourceID })
	return result, nil
}

// =============================================================================
// USERS AND RUNS
// =============================================================================

// SaveUser adds or replaces a local user.
func (m *Memory) SaveUser(_ context.Context, u allocation.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = u
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]allocation.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]allocation.User, 0, len(m.users))
	for _, u := range m.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (m *Memory) SaveSyncRun(_ context.Context, run allocation.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

// SyncRuns returns recorded runs, oldest first.
func (m *Memory) SyncRuns() []allocation.SyncRun {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]allocation.SyncRun, 0, len(m.runs))
	for _, r := range m.runs {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result
}
