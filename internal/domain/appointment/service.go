package appointment

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/platform/apperr"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

func (s *Service) Create(ctx context.Context, r *Request) error {
	r.SLMCNo = strings.TrimSpace(r.SLMCNo)
	r.PatientPHN = strings.TrimSpace(r.PatientPHN)
	r.Reason = strings.TrimSpace(r.Reason)
	if r.SLMCNo == "" {
		return apperr.Validation("slmcNo is required")
	}
	if r.PatientPHN == "" {
		return apperr.Validation("patientPHN is required")
	}
	now := s.now().UTC()
	if r.RequestedFor.IsZero() || !r.RequestedFor.After(now) {
		return apperr.Validation("requestedFor must be in the future")
	}
	r.CreatedAt = now
	return s.repo.Create(ctx, r)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.repo.GetByID(ctx, id)
}

// SetStatus accepts or rejects a pending request addressed to slmcNo. An
// empty slmcNo skips the addressee check (admin callers).
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status, slmcNo string) (*Request, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status != StatusAccepted && status != StatusRejected {
		return nil, apperr.Validation("status must be %q or %q", StatusAccepted, StatusRejected)
	}

	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if slmcNo != "" && existing.SLMCNo != slmcNo {
		return nil, apperr.Forbidden("appointment request is addressed to another professional")
	}

	r, err := s.repo.SetStatus(ctx, id, status, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if r == nil {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperr.InvalidState("appointment request is already %s", current.Status)
	}

	s.logger.Info().
		Str("appointment_request_id", r.ID.String()).
		Str("slmc_no", r.SLMCNo).
		Str("status", r.Status).
		Msg("appointment_request_decided")
	return r, nil
}

func (s *Service) ListForProfessional(ctx context.Context, slmcNo string, limit, offset int) ([]*Request, int, error) {
	return s.repo.ListBySLMC(ctx, slmcNo, limit, offset)
}

func (s *Service) ListForPatient(ctx context.Context, patientPHN string, limit, offset int) ([]*Request, int, error) {
	return s.repo.ListByPatient(ctx, patientPHN, limit, offset)
}
