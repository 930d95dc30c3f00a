package appointment

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medshare/medshare/internal/platform/auth"
	"github.com/medshare/medshare/internal/platform/middleware"
	"github.com/medshare/medshare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	pro := api.Group("/professional", auth.RequirePartyKind(auth.KindProfessional))
	pro.GET("/appointment-requests", h.ListForProfessional)
	pro.PUT("/appointment-requests/:id/status", h.SetStatus)

	patient := api.Group("/patient", auth.RequirePartyKind(auth.KindPatient))
	patient.POST("/appointment-requests", h.Create)
	patient.GET("/appointment-requests", h.ListForPatient)
}

type createRequest struct {
	SLMCNo           string    `json:"slmcNo"`
	PersonalHealthNo string    `json:"personalHealthNo"`
	RequestedFor     time.Time `json:"requestedFor"`
	Reason           string    `json:"reason"`
}

func (h *Handler) Create(c echo.Context) error {
	var body createRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := auth.IdentityFromContext(c.Request().Context())
	phn := body.PersonalHealthNo
	if !id.IsAdmin() {
		if phn != "" && phn != id.PartyID {
			return echo.NewHTTPError(http.StatusForbidden, "patients may only book for themselves")
		}
		phn = id.PartyID
	}

	r := &Request{
		SLMCNo:       body.SLMCNo,
		PatientPHN:   phn,
		RequestedFor: body.RequestedFor,
		Reason:       middleware.SanitizeString(body.Reason),
	}
	if err := h.svc.Create(c.Request().Context(), r); err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, r.PatientPHN)
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"status":             "success",
		"message":            "Appointment requested",
		"appointmentRequest": r,
	})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	reqID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body statusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id := auth.IdentityFromContext(c.Request().Context())
	slmcNo := id.PartyID
	if id.IsAdmin() {
		slmcNo = ""
	}
	r, err := h.svc.SetStatus(c.Request().Context(), reqID, body.Status, slmcNo)
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, r.PatientPHN)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":             "success",
		"message":            "Appointment request " + r.Status,
		"appointmentRequest": r,
	})
}

func (h *Handler) ListForProfessional(c echo.Context) error {
	slmcNo, err := ownParty(c, c.QueryParam("slmcNo"))
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForProfessional(c.Request().Context(), slmcNo, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListForPatient(c echo.Context) error {
	phn, err := ownParty(c, c.QueryParam("personalHealthNo"))
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(c.Request().Context(), phn, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, phn)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ownParty resolves the party a listing is for: the caller, unless an admin
// names someone else.
func ownParty(c echo.Context, requested string) (string, error) {
	id := auth.IdentityFromContext(c.Request().Context())
	if id.IsAdmin() {
		if requested == "" {
			return "", echo.NewHTTPError(http.StatusBadRequest, "party identifier is required")
		}
		return requested, nil
	}
	if requested != "" && requested != id.PartyID {
		return "", echo.NewHTTPError(http.StatusForbidden, "cannot list another party's appointment requests")
	}
	return id.PartyID, nil
}
