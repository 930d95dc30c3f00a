package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	// SetStatus decides a pending request; nil, nil when none matches.
	SetStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) (*Request, error)
	ListBySLMC(ctx context.Context, slmcNo string, limit, offset int) ([]*Request, int, error)
	ListByPatient(ctx context.Context, patientPHN string, limit, offset int) ([]*Request, int, error)
}
