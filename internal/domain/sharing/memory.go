package sharing

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/medshare/medshare/internal/platform/apperr"
)

// InMemoryTransactionRepo is a thread-safe TransactionRepository.
type InMemoryTransactionRepo struct {
	mu    sync.RWMutex
	items []*SharedRecordTransaction
}

func NewInMemoryTransactionRepo() *InMemoryTransactionRepo {
	return &InMemoryTransactionRepo{}
}

func (m *InMemoryTransactionRepo) Create(_ context.Context, t *SharedRecordTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	cp := *t
	m.items = append(m.items, &cp)
	return nil
}

func (m *InMemoryTransactionRepo) ListForParty(_ context.Context, party Party, limit, offset int) ([]*SharedRecordTransaction, int, error) {
	out := m.filter(func(t *SharedRecordTransaction) bool { return t.Involves(party) })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	items, total := page(out, limit, offset)
	return items, total, nil
}

func (m *InMemoryTransactionRepo) ListByDocument(_ context.Context, documentID string) ([]*SharedRecordTransaction, error) {
	return m.filter(func(t *SharedRecordTransaction) bool {
		return t.Document != nil && t.Document.ID == documentID
	}), nil
}

func (m *InMemoryTransactionRepo) filter(match func(*SharedRecordTransaction) bool) []*SharedRecordTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SharedRecordTransaction
	for _, t := range m.items {
		if match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// InMemoryRecordRequestRepo is a thread-safe RecordRequestRepository.
type InMemoryRecordRequestRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*RecordRequest
}

func NewInMemoryRecordRequestRepo() *InMemoryRecordRequestRepo {
	return &InMemoryRecordRequestRepo{items: make(map[uuid.UUID]*RecordRequest)}
}

func (m *InMemoryRecordRequestRepo) Create(_ context.Context, r *RecordRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.Status = RequestOpen
	cp := *r
	m.items[r.ID] = &cp
	return nil
}

func (m *InMemoryRecordRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*RecordRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("record request %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *InMemoryRecordRequestRepo) Fulfil(_ context.Context, id, transactionID uuid.UUID) (*RecordRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok || r.Status != RequestOpen {
		return nil, nil
	}
	r.Status = RequestFulfilled
	r.FulfilledBy = &transactionID
	cp := *r
	return &cp, nil
}

func (m *InMemoryRecordRequestRepo) ListForParty(_ context.Context, party Party, limit, offset int) ([]*RecordRequest, int, error) {
	m.mu.RLock()
	var out []*RecordRequest
	for _, r := range m.items {
		if r.Requester == party || r.Provider == party {
			cp := *r
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	items, total := page(out, limit, offset)
	return items, total, nil
}

func page[T any](items []T, limit, offset int) ([]T, int) {
	total := len(items)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return items[offset:end], total
}
