package appointment

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Request is a patient asking a professional for an appointment.
type Request struct {
	ID           uuid.UUID  `json:"id"`
	SLMCNo       string     `json:"slmcNo"`
	PatientPHN   string     `json:"patientPHN"`
	RequestedFor time.Time  `json:"requestedFor"`
	Reason       string     `json:"reason"`
	Status       string     `json:"status"`
	DecidedAt    *time.Time `json:"decidedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}
