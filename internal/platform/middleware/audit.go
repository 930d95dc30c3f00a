package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/platform/auth"
)

// Echo context keys handlers set so the audit line can name the patient and
// flag emergency overrides without re-reading the body.
const (
	AuditPatientKey   = "audit_patient_phn"
	AuditEmergencyKey = "audit_emergency"
)

// AuditEntry is one record of who touched which patient's data.
type AuditEntry struct {
	RequestID  string
	PartyKind  string
	PartyID    string
	PatientPHN string
	Action     string
	Route      string
	Path       string
	Method     string
	IPAddress  string
	UserAgent  string
	StatusCode int
	Emergency  bool
	Timestamp  time.Time
}

// Audit emits a "phi_access" log line for every /api/ request after the
// handler ran. Emergency submissions are logged at WARN.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/") {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c, err)
			evt := logger.Info()
			if entry.Emergency {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("party_kind", entry.PartyKind).
				Str("party_id", entry.PartyID).
				Str("patient_phn", entry.PatientPHN).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Str("method", entry.Method).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Bool("emergency", entry.Emergency).
				Msg("phi_access")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context, err error) AuditEntry {
	req := c.Request()
	id := auth.IdentityFromContext(req.Context())

	entry := AuditEntry{
		PartyKind:  id.PartyKind,
		PartyID:    id.PartyID,
		Action:     httpMethodToAction(req.Method),
		Route:      c.Path(),
		Path:       req.URL.Path,
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		StatusCode: c.Response().Status,
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		entry.StatusCode = statusFromError(err)
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.Emergency, _ = c.Get(AuditEmergencyKey).(bool)
	entry.PatientPHN, _ = c.Get(AuditPatientKey).(string)
	if entry.PatientPHN == "" {
		entry.PatientPHN = c.QueryParam("personalHealthNo")
	}
	return entry
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
