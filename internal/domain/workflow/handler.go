package workflow

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medshare/medshare/internal/domain/access"
	"github.com/medshare/medshare/internal/domain/sharing"
	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/auth"
	"github.com/medshare/medshare/internal/platform/blobstore"
	"github.com/medshare/medshare/internal/platform/middleware"
	"github.com/medshare/medshare/pkg/pagination"
)

// maxFieldBytes caps a non-file multipart field.
const maxFieldBytes = 64 << 10

type Handler struct {
	svc   *Service
	blobs blobstore.BlobStore
}

func NewHandler(svc *Service, blobs blobstore.BlobStore) *Handler {
	return &Handler{svc: svc, blobs: blobs}
}

// requesterRoutes binds one requester portal. The professional and
// institute portals differ only in the name of their id fields.
type requesterRoutes struct {
	h       *Handler
	kind    string
	idParam string
	prefix  string
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	for _, r := range []requesterRoutes{
		{h: h, kind: auth.KindProfessional, idParam: "slmcNo", prefix: "SlmcNo"},
		{h: h, kind: auth.KindInstitute, idParam: "instituteId", prefix: "InstituteId"},
	} {
		g := api.Group("/"+r.kind, auth.RequirePartyKind(r.kind))
		g.POST("/request-access", r.RequestAccess)
		g.GET("/records-data", r.RecordsData)
		g.POST("/request-record", r.RequestRecord)
		g.POST("/send-record", r.SendRecord)
		g.GET("/patient-lookup", h.LookupPatient)
	}

	patient := api.Group("/patient", auth.RequirePartyKind(auth.KindPatient))
	patient.GET("/access-requests", h.ListAccessRequests)
	patient.PUT("/access-requests/:id/decision", h.DecideAccess)
	patient.GET("/access-grants", h.ListAccessGrants)
	patient.POST("/access-grants/:id/revoke", h.RevokeGrant)

	api.GET("/access/check", h.CheckAccess)
	api.GET("/shared-records", h.ListShared)
	api.GET("/record-requests", h.ListRecordRequests)
	api.GET("/blobs/:id", h.DownloadBlob)
}

func identity(c echo.Context) auth.Identity {
	return auth.IdentityFromContext(c.Request().Context())
}

// orCaller defaults an omitted party id to the caller's own.
func orCaller(c echo.Context, id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return identity(c).PartyID
}

// kindOrCaller reads a professional/institute kind from query parameter
// name, defaulting to the caller's own kind.
func kindOrCaller(c echo.Context, name string) (string, error) {
	v := c.QueryParam(name)
	if strings.TrimSpace(v) == "" {
		return identity(c).PartyKind, nil
	}
	kind, err := sharing.ParseKind(v)
	if err != nil {
		return "", apperr.Validation("%s must be %q or %q", name, sharing.KindProfessional, sharing.KindInstitute)
	}
	return kind, nil
}

// partyOrCaller resolves the partyType and partyId query parameters.
func partyOrCaller(c echo.Context) (sharing.Party, error) {
	kind, err := kindOrCaller(c, "partyType")
	if err != nil {
		return sharing.Party{}, err
	}
	return sharing.Party{Kind: kind, ID: orCaller(c, c.QueryParam("partyId"))}, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Requester portals --

type requestAccessBody struct {
	PersonalHealthNo string `json:"personalHealthNo"`
	Purpose          string `json:"purpose"`
	IsEmergency      bool   `json:"isEmergency"`
	SLMCNo           string `json:"slmcNo"`
	InstituteID      string `json:"instituteId"`
}

func (b requestAccessBody) requester(kind string) string {
	if kind == auth.KindInstitute {
		return b.InstituteID
	}
	return b.SLMCNo
}

var outcomeMessages = map[access.Outcome]string{
	access.OutcomeAlreadyGranted:        "Access already granted",
	access.OutcomeRequestCreated:        "Access request submitted",
	access.OutcomeRequestAlreadyPending: "Access request already pending",
}

func (r requesterRoutes) RequestAccess(c echo.Context) error {
	var body requestAccessBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ev, err := r.h.svc.RequestAccess(c.Request().Context(), identity(c), access.SubmitInput{
		RequesterID:   orCaller(c, body.requester(r.kind)),
		RequesterKind: r.kind,
		PatientPHN:    body.PersonalHealthNo,
		Purpose:       middleware.SanitizeString(body.Purpose),
		IsEmergency:   body.IsEmergency,
	})
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, strings.TrimSpace(body.PersonalHealthNo))
	c.Set(middleware.AuditEmergencyKey, body.IsEmergency)

	status, msg := http.StatusOK, outcomeMessages[ev.Outcome]
	if ev.Outcome == access.OutcomeRequestCreated {
		status = http.StatusCreated
		if body.IsEmergency {
			msg = "Emergency access granted"
		}
	}
	return c.JSON(status, map[string]interface{}{
		"status":  "success",
		"message": msg,
		"outcome": ev.Outcome,
		"request": ev.Request,
		"grant":   ev.Grant,
	})
}

func (r requesterRoutes) RecordsData(c echo.Context) error {
	data, err := r.h.svc.RecordsData(c.Request().Context(), identity(c), r.kind, orCaller(c, c.QueryParam(r.idParam)))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":          "success",
		"accessedRecords": data.AccessedRecords,
		"medicalRecords":  data.MedicalRecords,
	})
}

type requestRecordBody struct {
	RequestingSlmcNo      string `json:"requestingSlmcNo"`
	RequestingInstituteID string `json:"requestingInstituteId"`
	ProviderName          string `json:"providerName"`
	PatientPHN            string `json:"patientPHN"`
	RecordType            string `json:"recordType"`
	Purpose               string `json:"purpose"`
	ReceiverType          string `json:"receiverType"`
}

func (r requesterRoutes) RequestRecord(c echo.Context) error {
	var body requestRecordBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	providerKind, err := sharing.ParseKind(body.ReceiverType)
	if err != nil {
		return err
	}
	requester := body.RequestingSlmcNo
	if r.kind == auth.KindInstitute {
		requester = body.RequestingInstituteID
	}

	rr, err := r.h.svc.RequestRecord(c.Request().Context(), identity(c), sharing.RecordRequestInput{
		Requester:  sharing.Party{Kind: r.kind, ID: orCaller(c, requester)},
		Provider:   sharing.Party{Kind: providerKind, ID: body.ProviderName},
		PatientPHN: body.PatientPHN,
		RecordType: body.RecordType,
		Purpose:    middleware.SanitizeString(body.Purpose),
	})
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, rr.PatientPHN)
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"status":        "success",
		"message":       "Record requested",
		"recordRequest": rr,
	})
}

// SendRecord reads the multipart form part by part and streams the file
// part straight into the sharing log. Text fields must precede the file.
func (r requesterRoutes) SendRecord(c echo.Context) error {
	mr, err := c.Request().MultipartReader()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form expected")
	}

	fields := make(map[string]string)
	var upload *sharing.Upload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed multipart form")
		}
		if part.FormName() == "file" {
			upload = &sharing.Upload{
				FileName:    part.FileName(),
				ContentType: part.Header.Get(echo.HeaderContentType),
				Content:     part,
			}
			break
		}
		v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed multipart form")
		}
		fields[part.FormName()] = string(v)
	}

	receiverKind, err := sharing.ParseKind(fields["receiverType"])
	if err != nil {
		return err
	}
	in := sharing.SendInput{
		Sender:     sharing.Party{Kind: r.kind, ID: orCaller(c, fields["sender"+r.prefix])},
		Receiver:   sharing.Party{Kind: receiverKind, ID: fields["providerName"]},
		PatientPHN: fields["patientPHN"],
		RecordType: fields["recordType"],
		Notes:      middleware.SanitizeString(fields["notes"]),
		Document:   upload,
	}
	if raw := strings.TrimSpace(fields["requestId"]); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid requestId")
		}
		in.RecordRequestID = &id
	}

	t, err := r.h.svc.SendRecord(c.Request().Context(), identity(c), in)
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, t.PatientPHN)

	resp := map[string]interface{}{
		"status":      "success",
		"message":     "Record sent",
		"transaction": t,
	}
	if t.Document != nil {
		resp["filePath"] = t.Document.FilePath()
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) LookupPatient(c echo.Context) error {
	p, err := h.svc.LookupPatientByIdentifier(c.Request().Context(), c.QueryParam("search"))
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, p.PersonalHealthNo)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "success",
		"patient": p,
	})
}

// -- Patient portal --

func (h *Handler) ListAccessRequests(c echo.Context) error {
	phn := orCaller(c, c.QueryParam("personalHealthNo"))
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatientRequests(c.Request().Context(), identity(c), phn, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, phn)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type decisionBody struct {
	Decision  string     `json:"decision"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handler) DecideAccess(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body decisionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d, err := h.svc.DecideAccess(c.Request().Context(), identity(c), id, body.Decision, body.ExpiresAt)
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, d.Request.PatientPHN)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Access request " + d.Request.Status,
		"request": d.Request,
		"grant":   d.Grant,
	})
}

func (h *Handler) ListAccessGrants(c echo.Context) error {
	phn := orCaller(c, c.QueryParam("personalHealthNo"))
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatientGrants(c.Request().Context(), identity(c), phn, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, phn)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) RevokeGrant(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	g, err := h.svc.RevokeGrant(c.Request().Context(), identity(c), id)
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, g.PatientPHN)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Access grant revoked",
		"grant":   g,
	})
}

// -- Shared --

func (h *Handler) CheckAccess(c echo.Context) error {
	phn := c.QueryParam("personalHealthNo")
	kind, err := kindOrCaller(c, "requesterType")
	if err != nil {
		return err
	}
	ok, err := h.svc.CheckAccess(c.Request().Context(), identity(c), kind, c.QueryParam("requesterId"), phn)
	if err != nil {
		return err
	}
	c.Set(middleware.AuditPatientKey, phn)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "success",
		"hasAccess": ok,
	})
}

func (h *Handler) ListShared(c echo.Context) error {
	party, err := partyOrCaller(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListShared(c.Request().Context(), identity(c), party, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListRecordRequests(c echo.Context) error {
	party, err := partyOrCaller(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRecordRequests(c.Request().Context(), identity(c), party, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) DownloadBlob(c echo.Context) error {
	id := c.Param("id")
	if err := h.svc.AuthorizeDocument(c.Request().Context(), identity(c), id); err != nil {
		return err
	}
	return blobstore.Serve(c, h.blobs, id)
}
