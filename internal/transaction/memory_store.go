package transaction

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Transaction
	byTxnID map[string]string // business id → internal id
	order   []string          // insertion order of internal ids
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Transaction),
		byTxnID: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTxnID[tx.TransactionID]; ok {
		return ErrDuplicateTransactionID
	}
	cp := *tx
	m.byID[tx.ID] = &cp
	m.byTxnID[tx.TransactionID] = tx.ID
	m.order = append(m.order, tx.ID)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[tx.ID]; !ok {
		return ErrNotFound
	}
	cp := *tx
	cp.UpdatedAt = time.Now()
	m.byID[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByTransactionID(_ context.Context, transactionID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTxnID[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Transaction
	// Newest first.
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		tx := m.byID[m.order[i]]
		if f.Status != nil && tx.Status != *f.Status {
			continue
		}
		if f.MinRiskScore != nil && tx.RiskScore < *f.MinRiskScore {
			continue
		}
		if f.MaxRiskScore != nil && tx.RiskScore > *f.MaxRiskScore {
			continue
		}
		if f.Before != nil && !tx.CreatedAt.Before(*f.Before) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListPendingReview(_ context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Transaction
	for _, id := range m.order {
		tx := m.byID[id]
		if tx.Status != StatusUnderReview {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}

	// Oldest pending review first so the queue is worked in order.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountRecentByCard(_ context.Context, cardHash string, window time.Duration) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, tx := range m.byID {
		if tx.CardHash == cardHash && tx.CreatedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, status Status) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, tx := range m.byID {
		if tx.Status == status {
			n++
		}
	}
	return n, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
