package access

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/auth"
	"github.com/medshare/medshare/internal/platform/db"
	"github.com/medshare/medshare/internal/platform/metrics"
	"github.com/medshare/medshare/internal/platform/notification"
	"github.com/medshare/medshare/pkg/pagination"
)

// Notifier enqueues a templated notification for a recipient.
type Notifier interface {
	Notify(ctx context.Context, recipient, templateID string, data map[string]string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, map[string]string) error { return nil }

type Option func(*Ledger)

func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithEmergencyTTL bounds emergency grants; zero means they never expire.
func WithEmergencyTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.emergencyTTL = ttl }
}

func WithEmergencyLimiter(lim *EmergencyLimiter) Option {
	return func(l *Ledger) { l.limiter = lim }
}

func WithPageSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the durable record of who asked to see whose records, the
// patient's decisions, and the grants those decisions produced.
type Ledger struct {
	requests RequestRepository
	grants   GrantRepository
	tx       db.Transactor

	notifier     Notifier
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	limiter      *EmergencyLimiter
	emergencyTTL time.Duration
	pageSize     int
	now          func() time.Time
}

func NewLedger(requests RequestRepository, grants GrantRepository, tx db.Transactor, opts ...Option) *Ledger {
	l := &Ledger{
		requests: requests,
		grants:   grants,
		tx:       tx,
		notifier: nopNotifier{},
		logger:   zerolog.Nop(),
		pageSize: pagination.DefaultLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

// SubmitRequest records a submission. Non-emergency submissions create a
// pending request, or return the pair's existing pending request with
// created=false. Emergency submissions are approved on creation and mint a
// grant in the same transaction.
func (l *Ledger) SubmitRequest(ctx context.Context, in SubmitInput) (req *AccessRequest, grant *AccessGrant, created bool, err error) {
	out, err := l.submit(ctx, in, false)
	if err != nil {
		return nil, nil, false, err
	}
	return out.Request, out.Grant, out.Outcome == OutcomeRequestCreated, nil
}

// submit records a submission under the pair lock. With grantWins set, an
// active grant for the pair ends it as alreadyGranted and nothing is
// written.
func (l *Ledger) submit(ctx context.Context, in SubmitInput, grantWins bool) (*Evaluation, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.IsEmergency {
		return l.submitEmergency(ctx, in, grantWins)
	}
	return l.submitPending(ctx, in, grantWins)
}

// lockAndCheck takes the pair lock and, with grantWins set, returns the
// pair's active grant.
func (l *Ledger) lockAndCheck(ctx context.Context, in SubmitInput, grantWins bool) (*AccessGrant, error) {
	if err := l.requests.LockPair(ctx, in.RequesterKind, in.RequesterID, in.PatientPHN); err != nil {
		return nil, fmt.Errorf("lock requester and patient: %w", err)
	}
	if !grantWins {
		return nil, nil
	}
	return l.activeGrant(ctx, in.RequesterKind, in.RequesterID, in.PatientPHN)
}

func (l *Ledger) activeGrant(ctx context.Context, requesterKind, requesterID, patientPHN string) (*AccessGrant, error) {
	g, err := l.grants.FindActive(ctx, requesterKind, requesterID, patientPHN, l.clock())
	if err != nil {
		return nil, fmt.Errorf("find active grant: %w", err)
	}
	return g, nil
}

func (l *Ledger) submitPending(ctx context.Context, in SubmitInput, grantWins bool) (*Evaluation, error) {
	var out Evaluation
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		g, err := l.lockAndCheck(ctx, in, grantWins)
		if err != nil {
			return err
		}
		if g != nil {
			out = Evaluation{Outcome: OutcomeAlreadyGranted, Grant: g}
			return nil
		}

		existing, err := l.requests.FindPending(ctx, in.RequesterKind, in.RequesterID, in.PatientPHN)
		if err != nil {
			return fmt.Errorf("find pending request: %w", err)
		}
		if existing != nil {
			out = Evaluation{Outcome: OutcomeRequestAlreadyPending, Request: existing}
			return nil
		}

		req := &AccessRequest{
			RequesterID:   in.RequesterID,
			RequesterKind: in.RequesterKind,
			PatientPHN:    in.PatientPHN,
			Purpose:       in.Purpose,
			Status:        StatusPending,
			CreatedAt:     l.clock(),
		}
		if err := l.requests.Create(ctx, req); err != nil {
			return err
		}
		out = Evaluation{Outcome: OutcomeRequestCreated, Request: req}
		return l.notifier.Notify(ctx, notification.Recipient(auth.KindPatient, in.PatientPHN),
			notification.TemplateAccessRequested, requestData(req))
	})

	// A concurrent submission won the insert; its transaction has committed,
	// so the pending row is visible now.
	if errors.Is(err, ErrDuplicatePending) {
		existing, ferr := l.requests.FindPending(ctx, in.RequesterKind, in.RequesterID, in.PatientPHN)
		if ferr != nil {
			return nil, fmt.Errorf("find pending request after conflict: %w", ferr)
		}
		if existing == nil {
			return nil, apperr.Conflict("access request for %s changed concurrently, retry", in.PatientPHN)
		}
		return &Evaluation{Outcome: OutcomeRequestAlreadyPending, Request: existing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("submit access request: %w", err)
	}

	if out.Outcome == OutcomeRequestCreated {
		l.logger.Info().
			Str("request_id", out.Request.ID.String()).
			Str("requester_kind", out.Request.RequesterKind).
			Str("requester_id", out.Request.RequesterID).
			Str("patient_phn", out.Request.PatientPHN).
			Msg("access_request_submitted")
	}
	return &out, nil
}

func (l *Ledger) submitEmergency(ctx context.Context, in SubmitInput, grantWins bool) (*Evaluation, error) {
	now := l.clock()
	budgetKey := in.RequesterKind + ":" + in.RequesterID

	var out Evaluation
	reserved := false
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		g, err := l.lockAndCheck(ctx, in, grantWins)
		if err != nil {
			return err
		}
		if g != nil {
			out = Evaluation{Outcome: OutcomeAlreadyGranted, Grant: g}
			return nil
		}

		if !l.limiter.Allow(budgetKey, now) {
			return apperr.Throttled("emergency access limit reached, try again later")
		}
		reserved = true

		decider := in.RequesterID
		req := &AccessRequest{
			RequesterID:   in.RequesterID,
			RequesterKind: in.RequesterKind,
			PatientPHN:    in.PatientPHN,
			Purpose:       in.Purpose,
			IsEmergency:   true,
			Status:        StatusApproved,
			DecidedBy:     &decider,
			DecidedAt:     &now,
			CreatedAt:     now,
		}
		if err := l.requests.Create(ctx, req); err != nil {
			return err
		}

		var expires *time.Time
		if l.emergencyTTL > 0 {
			t := now.Add(l.emergencyTTL)
			expires = &t
		}
		grant, err := l.mintGrant(ctx, req, SourceEmergency, expires, now)
		if err != nil {
			return err
		}
		out = Evaluation{Outcome: OutcomeRequestCreated, Request: req, Grant: grant}
		return l.notifier.Notify(ctx, notification.Recipient(auth.KindPatient, in.PatientPHN),
			notification.TemplateEmergencyAccess, requestData(req))
	})
	if err != nil {
		// A failed submission does not use up the hourly budget.
		if reserved {
			l.limiter.Release(budgetKey, now)
		}
		if errors.Is(err, apperr.ErrThrottled) {
			l.metrics.EmergencyThrottled()
			l.logger.Warn().
				Str("requester_kind", in.RequesterKind).
				Str("requester_id", in.RequesterID).
				Str("patient_phn", in.PatientPHN).
				Msg("emergency_access_throttled")
			return nil, err
		}
		return nil, fmt.Errorf("submit emergency access: %w", err)
	}
	if out.Outcome == OutcomeAlreadyGranted {
		return &out, nil
	}

	ev := l.logger.Warn().
		Str("request_id", out.Request.ID.String()).
		Str("grant_id", out.Grant.ID.String()).
		Str("requester_kind", out.Request.RequesterKind).
		Str("requester_id", out.Request.RequesterID).
		Str("patient_phn", out.Request.PatientPHN).
		Str("purpose", out.Request.Purpose)
	if out.Grant.ExpiresAt != nil {
		ev = ev.Time("expires_at", *out.Grant.ExpiresAt)
	}
	ev.Msg("emergency_access_granted")
	return &out, nil
}

func (l *Ledger) mintGrant(ctx context.Context, req *AccessRequest, source string, expires *time.Time, now time.Time) (*AccessGrant, error) {
	g := &AccessGrant{
		RequestID:     req.ID,
		RequesterID:   req.RequesterID,
		RequesterKind: req.RequesterKind,
		PatientPHN:    req.PatientPHN,
		Scope:         ScopeReadWrite,
		Source:        source,
		ExpiresAt:     expires,
		CreatedAt:     now,
	}
	if err := l.grants.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("mint grant: %w", err)
	}
	return g, nil
}

// Decide applies a patient's decision to a pending request. Only one
// decision per request ever takes effect; later ones get InvalidState.
func (l *Ledger) Decide(ctx context.Context, in DecideInput) (*Decision, error) {
	now := l.clock()
	if err := in.validate(now); err != nil {
		return nil, err
	}

	var out Decision
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		req, err := l.requests.Decide(ctx, in.RequestID, in.Decision, in.DeciderID, now)
		if err != nil {
			return fmt.Errorf("decide access request: %w", err)
		}
		if req == nil {
			existing, err := l.requests.GetByID(ctx, in.RequestID)
			if err != nil {
				return err
			}
			return apperr.InvalidState("access request is already %s", existing.Status)
		}
		out.Request = req

		if req.Status == StatusApproved {
			// Submissions for the pair see either the pending request or
			// this grant, never neither.
			if err := l.requests.LockPair(ctx, req.RequesterKind, req.RequesterID, req.PatientPHN); err != nil {
				return fmt.Errorf("lock requester and patient: %w", err)
			}
			if out.Grant, err = l.mintGrant(ctx, req, SourceApproval, in.ExpiresAt, now); err != nil {
				return err
			}
		}
		return l.notifier.Notify(ctx, notification.Recipient(req.RequesterKind, req.RequesterID),
			notification.TemplateAccessDecided, map[string]string{
				"patient_phn": req.PatientPHN,
				"decision":    req.Status,
				"request_id":  req.ID.String(),
			})
	})
	if err != nil {
		return nil, err
	}

	l.metrics.AccessDecided(out.Request.Status)
	l.logger.Info().
		Str("request_id", out.Request.ID.String()).
		Str("decision", out.Request.Status).
		Str("decided_by", in.DeciderID).
		Str("patient_phn", out.Request.PatientPHN).
		Msg("access_request_decided")
	return &out, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	return l.requests.GetByID(ctx, id)
}

// ListForPatient yields the patient's requests, newest first.
func (l *Ledger) ListForPatient(ctx context.Context, patientPHN string) iter.Seq2[*AccessRequest, error] {
	return pagination.Seq(ctx, l.pageSize, func(ctx context.Context, limit, offset int) ([]*AccessRequest, int, error) {
		return l.requests.ListByPatient(ctx, patientPHN, limit, offset)
	})
}

// ListForRequester yields the requester's requests, newest first.
func (l *Ledger) ListForRequester(ctx context.Context, requesterKind, requesterID string) iter.Seq2[*AccessRequest, error] {
	return pagination.Seq(ctx, l.pageSize, func(ctx context.Context, limit, offset int) ([]*AccessRequest, int, error) {
		return l.requests.ListByRequester(ctx, requesterKind, requesterID, limit, offset)
	})
}

func (l *Ledger) ListForPatientPage(ctx context.Context, patientPHN string, limit, offset int) ([]*AccessRequest, int, error) {
	return l.requests.ListByPatient(ctx, patientPHN, limit, offset)
}

func (l *Ledger) ListForRequesterPage(ctx context.Context, requesterKind, requesterID string, limit, offset int) ([]*AccessRequest, int, error) {
	return l.requests.ListByRequester(ctx, requesterKind, requesterID, limit, offset)
}

func requestData(r *AccessRequest) map[string]string {
	return map[string]string{
		"requester_kind": r.RequesterKind,
		"requester_id":   r.RequesterID,
		"patient_phn":    r.PatientPHN,
		"purpose":        r.Purpose,
		"request_id":     r.ID.String(),
	}
}
