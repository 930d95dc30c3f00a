package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicatePending is returned by RequestRepository.Create when the pair
// already has a pending request.
var ErrDuplicatePending = errors.New("access: pending request already exists for requester and patient")

type RequestRepository interface {
	Create(ctx context.Context, r *AccessRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*AccessRequest, error)
	// LockPair serializes submissions and decisions for one (requester,
	// patient) pair until the surrounding transaction ends.
	LockPair(ctx context.Context, requesterKind, requesterID, patientPHN string) error
	// FindPending returns nil, nil when the pair has no pending request.
	FindPending(ctx context.Context, requesterKind, requesterID, patientPHN string) (*AccessRequest, error)
	// Decide moves a pending request to status. It returns nil, nil when no
	// pending request with that id exists.
	Decide(ctx context.Context, id uuid.UUID, status, decidedBy string, at time.Time) (*AccessRequest, error)
	ListByPatient(ctx context.Context, patientPHN string, limit, offset int) ([]*AccessRequest, int, error)
	ListByRequester(ctx context.Context, requesterKind, requesterID string, limit, offset int) ([]*AccessRequest, int, error)
}

type GrantRepository interface {
	Create(ctx context.Context, g *AccessGrant) error
	GetByID(ctx context.Context, id uuid.UUID) (*AccessGrant, error)
	// FindActive returns the newest grant for the pair that is active at now,
	// or nil, nil.
	FindActive(ctx context.Context, requesterKind, requesterID, patientPHN string, now time.Time) (*AccessGrant, error)
	// Revoke marks an unrevoked grant revoked. It returns nil, nil when no
	// unrevoked grant with that id exists.
	Revoke(ctx context.Context, id uuid.UUID, revokedBy string, at time.Time) (*AccessGrant, error)
	ListByPatient(ctx context.Context, patientPHN string, limit, offset int) ([]*AccessGrant, int, error)
	ListActiveByRequester(ctx context.Context, requesterKind, requesterID string, now time.Time) ([]*AccessGrant, error)
}
