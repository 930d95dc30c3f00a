package sharing

import (
	"io"
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
	RequestOpen      = "open"
	RequestFulfilled = "fulfilled"
)

// Party is a professional (SLMC number) or an institute (institute number).
type Party struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func Professional(id string) Party { return Party{Kind: KindProfessional, ID: id} }

func Institute(id string) Party { return Party{Kind: KindInstitute, ID: id} }

func (p Party) String() string {
	return p.Kind + ":" + p.ID
}

// ParseKind reads a receiverType form value such as "professional" or
// "Institute".
func ParseKind(receiverType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(receiverType)) {
	case KindProfessional:
		return KindProfessional, nil
	case KindInstitute:
		return KindInstitute, nil
	default:
		return "", apperr.Validation("receiverType must be %q or %q", KindProfessional, KindInstitute)
	}
}

func (p *Party) validate(role string) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return apperr.Validation("%s id is required", role)
	}
	if p.Kind != KindProfessional && p.Kind != KindInstitute {
		return apperr.Validation("%s kind must be %q or %q", role, KindProfessional, KindInstitute)
	}
	return nil
}

// Document references a blob attached to a transaction.
type Document struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Hash        string `json:"sha256"`
}

// FilePath is the download path for the document.
func (d *Document) FilePath() string {
	return "/api/blobs/" + d.ID
}

// SharedRecordTransaction is one push of a record from sender to receiver.
type SharedRecordTransaction struct {
	ID              uuid.UUID  `json:"id"`
	Sender          Party      `json:"sender"`
	Receiver        Party      `json:"receiver"`
	PatientPHN      string     `json:"patientPHN"`
	RecordType      string     `json:"recordType"`
	Notes           string     `json:"notes"`
	Document        *Document  `json:"document,omitempty"`
	RecordRequestID *uuid.UUID `json:"requestId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Involves reports whether p sent or received the record.
func (t *SharedRecordTransaction) Involves(p Party) bool {
	return t.Sender == p || t.Receiver == p
}

// RecordRequest asks another provider to send a patient's record.
type RecordRequest struct {
	ID          uuid.UUID  `json:"id"`
	Requester   Party      `json:"requester"`
	Provider    Party      `json:"provider"`
	PatientPHN  string     `json:"patientPHN"`
	RecordType  string     `json:"recordType"`
	Purpose     string     `json:"purpose"`
	Status      string     `json:"status"`
	FulfilledBy *uuid.UUID `json:"fulfilledBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Upload is a document streamed in with a send.
type Upload struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

type SendInput struct {
	Sender          Party
	Receiver        Party
	PatientPHN      string
	RecordType      string
	Notes           string
	RecordRequestID *uuid.UUID
	Document        *Upload
	// RequireDocument rejects sends without a document.
	RequireDocument bool
}

func (in *SendInput) validate() error {
	in.PatientPHN = strings.TrimSpace(in.PatientPHN)
	in.RecordType = strings.TrimSpace(in.RecordType)
	in.Notes = strings.TrimSpace(in.Notes)

	if err := in.Receiver.validate("receiver"); err != nil {
		return err
	}
	if in.PatientPHN == "" {
		return apperr.Validation("patient PHN is required")
	}
	if in.RecordType == "" {
		return apperr.Validation("record type is required")
	}
	if err := in.Sender.validate("sender"); err != nil {
		return err
	}
	if in.RequireDocument && (in.Document == nil || in.Document.Content == nil) {
		return apperr.Validation("a document file is required")
	}
	return nil
}

type RecordRequestInput struct {
	Requester  Party
	Provider   Party
	PatientPHN string
	RecordType string
	Purpose    string
}

func (in *RecordRequestInput) validate() error {
	in.PatientPHN = strings.TrimSpace(in.PatientPHN)
	in.RecordType = strings.TrimSpace(in.RecordType)
	in.Purpose = strings.TrimSpace(in.Purpose)

	if err := in.Provider.validate("provider"); err != nil {
		return err
	}
	if in.PatientPHN == "" {
		return apperr.Validation("patient PHN is required")
	}
	if in.RecordType == "" {
		return apperr.Validation("record type is required")
	}
	return in.Requester.validate("requester")
}
