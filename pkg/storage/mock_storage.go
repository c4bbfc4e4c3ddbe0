package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
)

// mockStore implements Store with in-memory storage. It outlives engine
// instances in tests, which makes it suitable for simulating a process
// restart against the same durable state.
type mockStore struct {
	mu          sync.RWMutex
	checkpoints map[string]map[string]models.Checkpoint // run_id -> name -> checkpoint
	trustRules  map[string]models.TrustRule
}

func NewMockStore() Store {
	return &mockStore{
		checkpoints: make(map[string]map[string]models.Checkpoint),
		trustRules:  make(map[string]models.TrustRule),
	}
}

func (m *mockStore) SaveCheckpoint(cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	// Snapshots are immutable: store a deep copy so callers cannot
	// mutate a checkpoint after it is written.
	cp.State = cp.State.Clone()
	byName, ok := m.checkpoints[cp.RunID]
	if !ok {
		byName = make(map[string]models.Checkpoint)
		m.checkpoints[cp.RunID] = byName
	}
	byName[cp.Name] = cp
	return nil
}

func (m *mockStore) GetCheckpoint(runID, name string) (models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[runID][name]
	if !ok {
		return models.Checkpoint{}, ErrNotFound
	}
	cp.State = cp.State.Clone()
	return cp, nil
}

func (m *mockStore) ListCheckpoints(runID string) ([]models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cps []models.Checkpoint
	for _, cp := range m.checkpoints[runID] {
		cp.State = cp.State.Clone()
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Name < cps[j].Name })
	return cps, nil
}

func (m *mockStore) DeleteCheckpoint(runID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[runID][name]; !ok {
		return ErrNotFound
	}
	delete(m.checkpoints[runID], name)
	return nil
}

func (m *mockStore) ListRuns() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]string, 0, len(m.checkpoints))
	for runID := range m.checkpoints {
		runs = append(runs, runID)
	}
	sort.Strings(runs)
	return runs, nil
}

func (m *mockStore) SaveTrustRule(rule models.TrustRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trustRules[rule.Pattern] = rule
	return nil
}

func (m *mockStore) GetTrustRules() ([]models.TrustRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make([]models.TrustRule, 0, len(m.trustRules))
	for _, r := range m.trustRules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Pattern < rules[j].Pattern })
	return rules, nil
}

func (m *mockStore) DeleteTrustRule(pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trustRules[pattern]; !ok {
		return ErrNotFound
	}
	delete(m.trustRules, pattern)
	return nil
}

func (m *mockStore) Close() error {
	return nil
}
