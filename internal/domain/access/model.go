package access

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medshare/medshare/internal/platform/apperr"
)

const (
	KindProfessional = "professional"
	KindInstitute    = "institute"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

const (
	SourceApproval  = "approval"
	SourceEmergency = "emergency"
)

const (
	ScopeRead      = "read"
	ScopeReadWrite = "read-write"
)

// Outcome is the result of evaluating a submission.
type Outcome string

const (
	OutcomeAlreadyGranted        Outcome = "alreadyGranted"
	OutcomeRequestCreated        Outcome = "requestCreated"
	OutcomeRequestAlreadyPending Outcome = "requestAlreadyPending"
)

// AccessRequest is a requester asking to see a patient's records.
type AccessRequest struct {
	ID            uuid.UUID  `json:"id"`
	RequesterID   string     `json:"requesterId"`
	RequesterKind string     `json:"requesterKind"`
	PatientPHN    string     `json:"personalHealthNo"`
	Purpose       string     `json:"purpose"`
	IsEmergency   bool       `json:"isEmergency"`
	Status        string     `json:"status"`
	DecidedBy     *string    `json:"decidedBy,omitempty"`
	DecidedAt     *time.Time `json:"decidedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (r *AccessRequest) IsPending() bool {
	return r.Status == StatusPending
}

func (r *AccessRequest) sameRequester(kind, id string) bool {
	return r.RequesterKind == kind && r.RequesterID == id
}

// AccessGrant lets a requester view and add to a patient's records.
type AccessGrant struct {
	ID            uuid.UUID  `json:"id"`
	RequestID     uuid.UUID  `json:"requestId"`
	RequesterID   string     `json:"requesterId"`
	RequesterKind string     `json:"requesterKind"`
	PatientPHN    string     `json:"personalHealthNo"`
	Scope         string     `json:"scope"`
	Source        string     `json:"source"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	RevokedBy     *string    `json:"revokedBy,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (g *AccessGrant) sameRequester(kind, id string) bool {
	return g.RequesterKind == kind && g.RequesterID == id
}

// ActiveAt reports whether the grant is neither revoked nor expired at t.
func (g *AccessGrant) ActiveAt(t time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(t)
}

// SubmitInput is a requester's submission.
type SubmitInput struct {
	RequesterID   string
	RequesterKind string
	PatientPHN    string
	Purpose       string
	IsEmergency   bool
}

func (in *SubmitInput) normalize() {
	in.RequesterID = strings.TrimSpace(in.RequesterID)
	in.RequesterKind = strings.TrimSpace(in.RequesterKind)
	in.PatientPHN = strings.TrimSpace(in.PatientPHN)
	in.Purpose = strings.TrimSpace(in.Purpose)
}

// Validate trims the input in place and checks required fields.
func (in *SubmitInput) Validate() error {
	in.normalize()
	if in.PatientPHN == "" {
		return apperr.Validation("personal health number is required")
	}
	if in.Purpose == "" {
		return apperr.Validation("purpose is required")
	}
	if in.RequesterID == "" {
		return apperr.Validation("requester id is required")
	}
	if !ValidRequesterKind(in.RequesterKind) {
		return apperr.Validation("requester kind must be %q or %q", KindProfessional, KindInstitute)
	}
	return nil
}

func ValidRequesterKind(kind string) bool {
	return kind == KindProfessional || kind == KindInstitute
}

// DecideInput is a patient's decision on a pending request. ExpiresAt only
// applies to approvals.
type DecideInput struct {
	RequestID uuid.UUID
	Decision  string
	DeciderID string
	ExpiresAt *time.Time
}

func (in *DecideInput) validate(now time.Time) error {
	in.Decision = strings.ToLower(strings.TrimSpace(in.Decision))
	switch in.Decision {
	case StatusApproved, StatusRejected:
	default:
		return apperr.Validation("decision must be %q or %q", StatusApproved, StatusRejected)
	}
	if in.RequestID == uuid.Nil {
		return apperr.Validation("request id is required")
	}
	if strings.TrimSpace(in.DeciderID) == "" {
		return apperr.Validation("decider is required")
	}
	if in.ExpiresAt != nil {
		if in.Decision != StatusApproved {
			return apperr.Validation("expiresAt only applies to approvals")
		}
		if !in.ExpiresAt.After(now) {
			return apperr.Validation("expiresAt must be in the future")
		}
	}
	return nil
}

// Evaluation is what Evaluate decided. Grant is set for alreadyGranted and
// for emergency submissions; Request is set otherwise.
type Evaluation struct {
	Outcome Outcome        `json:"outcome"`
	Request *AccessRequest `json:"request,omitempty"`
	Grant   *AccessGrant   `json:"grant,omitempty"`
}

// Decision is the result of deciding a request. Grant is nil for rejections.
type Decision struct {
	Request *AccessRequest `json:"request"`
	Grant   *AccessGrant   `json:"grant,omitempty"`
}
