package access

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/notification"
	"github.com/medshare/medshare/pkg/pagination"
)

// Evaluator answers "may X currently view Y's records" and decides what a
// new submission should do. It shares the ledger's repositories, clock and
// collaborators.
type Evaluator struct {
	ledger *Ledger
}

func NewEvaluator(l *Ledger) *Evaluator {
	return &Evaluator{ledger: l}
}

// HasAccess reports whether the requester, a kind and id together, holds
// an unrevoked, unexpired grant for the patient.
func (e *Evaluator) HasAccess(ctx context.Context, requesterKind, requesterID, patientPHN string) (bool, error) {
	g, err := e.ActiveGrant(ctx, requesterKind, requesterID, patientPHN)
	return g != nil, err
}

// ActiveGrant returns the grant backing HasAccess, or nil.
func (e *Evaluator) ActiveGrant(ctx context.Context, requesterKind, requesterID, patientPHN string) (*AccessGrant, error) {
	return e.ledger.activeGrant(ctx, requesterKind, requesterID, patientPHN)
}

// Evaluate is what a submission goes through. An active grant wins and
// nothing is created, whether or not the submission is an emergency.
// Otherwise the ledger records the submission: a new pending request, the
// pair's existing pending one, or an approved emergency request with its
// grant. The grant lookup and the write share one transaction.
func (e *Evaluator) Evaluate(ctx context.Context, in SubmitInput) (*Evaluation, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	out, err := e.ledger.submit(ctx, in, true)
	if err != nil {
		return nil, err
	}
	e.ledger.metrics.AccessSubmitted(in.RequesterKind, string(out.Outcome), in.IsEmergency)
	return out, nil
}

// RevokeGrant ends a grant. Revoking twice is InvalidState.
func (e *Evaluator) RevokeGrant(ctx context.Context, grantID uuid.UUID, revokerID string) (*AccessGrant, error) {
	l := e.ledger
	now := l.clock()

	var out *AccessGrant
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		g, err := l.grants.Revoke(ctx, grantID, revokerID, now)
		if err != nil {
			return fmt.Errorf("revoke grant: %w", err)
		}
		if g == nil {
			if _, err := l.grants.GetByID(ctx, grantID); err != nil {
				return err
			}
			return apperr.InvalidState("access grant is already revoked")
		}
		out = g
		return l.notifier.Notify(ctx, notification.Recipient(g.RequesterKind, g.RequesterID),
			notification.TemplateGrantRevoked, map[string]string{
				"patient_phn": g.PatientPHN,
				"grant_id":    g.ID.String(),
			})
	})
	if err != nil {
		return nil, err
	}

	l.metrics.GrantRevoked()
	l.logger.Info().
		Str("grant_id", out.ID.String()).
		Str("requester_kind", out.RequesterKind).
		Str("requester_id", out.RequesterID).
		Str("patient_phn", out.PatientPHN).
		Str("revoked_by", revokerID).
		Msg("grant_revoked")
	return out, nil
}

func (e *Evaluator) GetGrant(ctx context.Context, id uuid.UUID) (*AccessGrant, error) {
	return e.ledger.grants.GetByID(ctx, id)
}

// ListGrantsForPatient yields every grant for the patient, revoked and
// expired ones included, newest first.
func (e *Evaluator) ListGrantsForPatient(ctx context.Context, patientPHN string) iter.Seq2[*AccessGrant, error] {
	return pagination.Seq(ctx, e.ledger.pageSize, func(ctx context.Context, limit, offset int) ([]*AccessGrant, int, error) {
		return e.ledger.grants.ListByPatient(ctx, patientPHN, limit, offset)
	})
}

func (e *Evaluator) ListGrantsForPatientPage(ctx context.Context, patientPHN string, limit, offset int) ([]*AccessGrant, int, error) {
	return e.ledger.grants.ListByPatient(ctx, patientPHN, limit, offset)
}

// ActiveGrantsForRequester lists the grants the requester currently holds.
func (e *Evaluator) ActiveGrantsForRequester(ctx context.Context, requesterKind, requesterID string) ([]*AccessGrant, error) {
	return e.ledger.grants.ListActiveByRequester(ctx, requesterKind, requesterID, e.ledger.clock())
}
