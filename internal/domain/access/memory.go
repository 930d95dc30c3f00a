package access

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medshare/medshare/internal/platform/apperr"
)

// InMemoryRequestRepo is a thread-safe RequestRepository for tests and
// local tooling. It enforces the one-pending-per-pair rule like the
// database index does.
type InMemoryRequestRepo struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*AccessRequest
}

func NewInMemoryRequestRepo() *InMemoryRequestRepo {
	return &InMemoryRequestRepo{requests: make(map[uuid.UUID]*AccessRequest)}
}

func (m *InMemoryRequestRepo) Create(_ context.Context, a *AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Status == StatusPending {
		for _, existing := range m.requests {
			if existing.IsPending() && existing.sameRequester(a.RequesterKind, a.RequesterID) && existing.PatientPHN == a.PatientPHN {
				return ErrDuplicatePending
			}
		}
	}
	a.ID = uuid.New()
	cp := *a
	m.requests[a.ID] = &cp
	return nil
}

func (m *InMemoryRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("access request %s not found", id)
	}
	cp := *a
	return &cp, nil
}

// LockPair is a no-op; every method already holds the repo mutex.
func (m *InMemoryRequestRepo) LockPair(context.Context, string, string, string) error { return nil }

func (m *InMemoryRequestRepo) FindPending(_ context.Context, requesterKind, requesterID, patientPHN string) (*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.requests {
		if a.IsPending() && a.sameRequester(requesterKind, requesterID) && a.PatientPHN == patientPHN {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *InMemoryRequestRepo) Decide(_ context.Context, id uuid.UUID, status, decidedBy string, at time.Time) (*AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.requests[id]
	if !ok || !a.IsPending() {
		return nil, nil
	}
	a.Status = status
	a.DecidedBy = &decidedBy
	a.DecidedAt = &at
	cp := *a
	return &cp, nil
}

func (m *InMemoryRequestRepo) ListByPatient(_ context.Context, patientPHN string, limit, offset int) ([]*AccessRequest, int, error) {
	return m.list(func(a *AccessRequest) bool { return a.PatientPHN == patientPHN }, limit, offset)
}

func (m *InMemoryRequestRepo) ListByRequester(_ context.Context, requesterKind, requesterID string, limit, offset int) ([]*AccessRequest, int, error) {
	return m.list(func(a *AccessRequest) bool { return a.sameRequester(requesterKind, requesterID) }, limit, offset)
}

func (m *InMemoryRequestRepo) list(match func(*AccessRequest) bool, limit, offset int) ([]*AccessRequest, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AccessRequest
	for _, a := range m.requests {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	items, total := page(out, limit, offset)
	return items, total, nil
}

// InMemoryGrantRepo is a thread-safe GrantRepository.
type InMemoryGrantRepo struct {
	mu     sync.RWMutex
	grants map[uuid.UUID]*AccessGrant
}

func NewInMemoryGrantRepo() *InMemoryGrantRepo {
	return &InMemoryGrantRepo{grants: make(map[uuid.UUID]*AccessGrant)}
}

func (m *InMemoryGrantRepo) Create(_ context.Context, g *AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = uuid.New()
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *InMemoryGrantRepo) GetByID(_ context.Context, id uuid.UUID) (*AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, apperr.NotFound("access grant %s not found", id)
	}
	cp := *g
	return &cp, nil
}

func (m *InMemoryGrantRepo) FindActive(_ context.Context, requesterKind, requesterID, patientPHN string, now time.Time) (*AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *AccessGrant
	for _, g := range m.grants {
		if !g.sameRequester(requesterKind, requesterID) || g.PatientPHN != patientPHN || !g.ActiveAt(now) {
			continue
		}
		if best == nil || g.CreatedAt.After(best.CreatedAt) {
			best = g
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *InMemoryGrantRepo) Revoke(_ context.Context, id uuid.UUID, revokedBy string, at time.Time) (*AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok || g.RevokedAt != nil {
		return nil, nil
	}
	g.RevokedAt = &at
	g.RevokedBy = &revokedBy
	cp := *g
	return &cp, nil
}

func (m *InMemoryGrantRepo) ListByPatient(_ context.Context, patientPHN string, limit, offset int) ([]*AccessGrant, int, error) {
	out := m.filter(func(g *AccessGrant) bool { return g.PatientPHN == patientPHN })
	items, total := page(out, limit, offset)
	return items, total, nil
}

func (m *InMemoryGrantRepo) ListActiveByRequester(_ context.Context, requesterKind, requesterID string, now time.Time) ([]*AccessGrant, error) {
	return m.filter(func(g *AccessGrant) bool { return g.sameRequester(requesterKind, requesterID) && g.ActiveAt(now) }), nil
}

func (m *InMemoryGrantRepo) filter(match func(*AccessGrant) bool) []*AccessGrant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AccessGrant
	for _, g := range m.grants {
		if match(g) {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
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
