package rules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory rule store for demo/development mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	order []string // catalog insertion order, the priority tie-breaker
}

// NewMemoryStore creates a new in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

func (m *MemoryStore) Create(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.rules[r.ID] = &cp
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[r.ID]; !ok {
		return ErrRuleNotFound
	}
	cp := *r
	cp.UpdatedAt = time.Now()
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	result := make([]*Rule, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.rules[id]
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Rule
	for _, id := range m.order {
		r := m.rules[id]
		if !r.ShouldExecute() {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	// Stable sort keeps catalog order for equal priorities.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})
	return result, nil
}

func (m *MemoryStore) ApplyStats(_ context.Context, deltas []StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range deltas {
		r, ok := m.rules[d.RuleID]
		if !ok {
			continue // rule deleted since the delta was recorded
		}
		r.ExecutionCount += d.Executed
		r.TriggeredCount += d.Triggered
		if d.LastTriggered != nil {
			if r.LastTriggered == nil || d.LastTriggered.After(*r.LastTriggered) {
				t := *d.LastTriggered
				r.LastTriggered = &t
			}
		}
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
