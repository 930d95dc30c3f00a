// Package workflow is the application layer the portals call. It composes
// the access ledger, the grant evaluator, the sharing log and the Record
// Store into request, decide, reveal and send operations, and checks that
// the caller is the party an operation acts for.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/domain/access"
	"github.com/medshare/medshare/internal/domain/sharing"
	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/auth"
	"github.com/medshare/medshare/internal/platform/recordstore"
	"github.com/medshare/medshare/pkg/pagination"
)

// RecordsData is the requester portal's records view.
type RecordsData struct {
	AccessedRecords []*access.AccessRequest     `json:"accessedRecords"`
	MedicalRecords  []recordstore.MedicalRecord `json:"medicalRecords"`
}

type Service struct {
	ledger    *access.Ledger
	evaluator *access.Evaluator
	log       *sharing.Log
	records   recordstore.Store
	logger    zerolog.Logger
}

func NewService(ledger *access.Ledger, evaluator *access.Evaluator, log *sharing.Log, records recordstore.Store, logger zerolog.Logger) *Service {
	return &Service{
		ledger:    ledger,
		evaluator: evaluator,
		log:       log,
		records:   records,
		logger:    logger,
	}
}

// actFor fails with Forbidden unless actor is the party (kind, id) or an
// admin.
func actFor(actor auth.Identity, kind, id string) error {
	if actor.IsAdmin() || actor.Is(kind, id) {
		return nil
	}
	return apperr.Forbidden("not permitted to act for %s %s", kind, id)
}

func (s *Service) RequestAccess(ctx context.Context, actor auth.Identity, in access.SubmitInput) (*access.Evaluation, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := actFor(actor, in.RequesterKind, in.RequesterID); err != nil {
		return nil, err
	}
	return s.evaluator.Evaluate(ctx, in)
}

// DecideAccess lets the patient a request is addressed to approve or reject
// it.
func (s *Service) DecideAccess(ctx context.Context, actor auth.Identity, requestID uuid.UUID, decision string, expiresAt *time.Time) (*access.Decision, error) {
	req, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := actFor(actor, auth.KindPatient, req.PatientPHN); err != nil {
		return nil, err
	}
	return s.ledger.Decide(ctx, access.DecideInput{
		RequestID: requestID,
		Decision:  decision,
		DeciderID: deciderID(actor),
		ExpiresAt: expiresAt,
	})
}

// RevokeGrant ends a grant. Only the patient it covers (or an admin) may.
func (s *Service) RevokeGrant(ctx context.Context, actor auth.Identity, grantID uuid.UUID) (*access.AccessGrant, error) {
	g, err := s.evaluator.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if err := actFor(actor, auth.KindPatient, g.PatientPHN); err != nil {
		return nil, err
	}
	return s.evaluator.RevokeGrant(ctx, grantID, deciderID(actor))
}

func deciderID(actor auth.Identity) string {
	if actor.PartyID != "" {
		return actor.PartyID
	}
	return actor.Subject
}

// SendRecord pushes a record to another provider. The HTTP flow always
// carries a document.
func (s *Service) SendRecord(ctx context.Context, actor auth.Identity, in sharing.SendInput) (*sharing.SharedRecordTransaction, error) {
	if err := actFor(actor, in.Sender.Kind, in.Sender.ID); err != nil {
		return nil, err
	}
	in.RequireDocument = true
	return s.log.Send(ctx, in)
}

func (s *Service) RequestRecord(ctx context.Context, actor auth.Identity, in sharing.RecordRequestInput) (*sharing.RecordRequest, error) {
	if err := actFor(actor, in.Requester.Kind, in.Requester.ID); err != nil {
		return nil, err
	}
	return s.log.RequestRecord(ctx, in)
}

// LookupPatientByIdentifier passes a search term through to the Record
// Store. An unknown patient is NotFound.
func (s *Service) LookupPatientByIdentifier(ctx context.Context, search string) (*recordstore.Patient, error) {
	return s.records.LookupPatient(ctx, search)
}

// RecordsData returns everything the requester has asked for, plus the
// Record Store records of every patient it currently holds a grant for.
func (s *Service) RecordsData(ctx context.Context, actor auth.Identity, kind, requesterID string) (*RecordsData, error) {
	if requesterID == "" {
		return nil, apperr.Validation("requester id is required")
	}
	if err := actFor(actor, kind, requesterID); err != nil {
		return nil, err
	}

	requests, err := pagination.Collect(s.ledger.ListForRequester(ctx, kind, requesterID))
	if err != nil {
		return nil, fmt.Errorf("list access requests: %w", err)
	}
	grants, err := s.evaluator.ActiveGrantsForRequester(ctx, kind, requesterID)
	if err != nil {
		return nil, fmt.Errorf("list active grants: %w", err)
	}

	out := &RecordsData{
		AccessedRecords: requests,
		MedicalRecords:  []recordstore.MedicalRecord{},
	}
	if out.AccessedRecords == nil {
		out.AccessedRecords = []*access.AccessRequest{}
	}
	seen := make(map[string]bool, len(grants))
	for _, g := range grants {
		if seen[g.PatientPHN] {
			continue
		}
		seen[g.PatientPHN] = true
		records, err := s.records.ListMedicalRecords(ctx, g.PatientPHN)
		if err != nil {
			return nil, fmt.Errorf("list records for %s: %w", g.PatientPHN, err)
		}
		out.MedicalRecords = append(out.MedicalRecords, records...)
	}

	s.logger.Debug().
		Str("requester_kind", kind).
		Str("requester_id", requesterID).
		Int("requests", len(out.AccessedRecords)).
		Int("patients", len(seen)).
		Msg("records_data_served")
	return out, nil
}

func (s *Service) ListPatientRequests(ctx context.Context, actor auth.Identity, phn string, limit, offset int) ([]*access.AccessRequest, int, error) {
	if err := actFor(actor, auth.KindPatient, phn); err != nil {
		return nil, 0, err
	}
	return s.ledger.ListForPatientPage(ctx, phn, limit, offset)
}

func (s *Service) ListPatientGrants(ctx context.Context, actor auth.Identity, phn string, limit, offset int) ([]*access.AccessGrant, int, error) {
	if err := actFor(actor, auth.KindPatient, phn); err != nil {
		return nil, 0, err
	}
	return s.evaluator.ListGrantsForPatientPage(ctx, phn, limit, offset)
}

// ListShared lists the transactions party sent or received.
func (s *Service) ListShared(ctx context.Context, actor auth.Identity, party sharing.Party, limit, offset int) ([]*sharing.SharedRecordTransaction, int, error) {
	if err := actFor(actor, party.Kind, party.ID); err != nil {
		return nil, 0, err
	}
	return s.log.ListForPage(ctx, party, limit, offset)
}

func (s *Service) ListRecordRequests(ctx context.Context, actor auth.Identity, party sharing.Party, limit, offset int) ([]*sharing.RecordRequest, int, error) {
	if err := actFor(actor, party.Kind, party.ID); err != nil {
		return nil, 0, err
	}
	return s.log.ListRecordRequestsForPage(ctx, party, limit, offset)
}

// CheckAccess answers whether the requester (kind, id) may currently view
// the patient's records. The requester, the patient and admins may ask.
func (s *Service) CheckAccess(ctx context.Context, actor auth.Identity, requesterKind, requesterID, phn string) (bool, error) {
	if requesterID == "" || phn == "" {
		return false, apperr.Validation("requesterId and personalHealthNo are required")
	}
	if !access.ValidRequesterKind(requesterKind) {
		return false, apperr.Validation("requester kind must be %q or %q", access.KindProfessional, access.KindInstitute)
	}
	if !actor.IsAdmin() && !actor.Is(requesterKind, requesterID) && !actor.Is(auth.KindPatient, phn) {
		return false, apperr.Forbidden("not permitted to check this access")
	}
	return s.evaluator.HasAccess(ctx, requesterKind, requesterID, phn)
}

// AuthorizeDocument checks that the caller may download a document: it must
// have sent or received a transaction carrying it, or be that
// transaction's patient.
func (s *Service) AuthorizeDocument(ctx context.Context, actor auth.Identity, documentID string) error {
	txs, err := s.log.TransactionsForDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("find document transactions: %w", err)
	}
	if len(txs) == 0 {
		return apperr.NotFound("document not found")
	}
	if actor.IsAdmin() {
		return nil
	}
	for _, t := range txs {
		if actor.Is(t.Sender.Kind, t.Sender.ID) || actor.Is(t.Receiver.Kind, t.Receiver.ID) ||
			actor.Is(auth.KindPatient, t.PatientPHN) {
			return nil
		}
	}
	return apperr.Forbidden("not permitted to read this document")
}
