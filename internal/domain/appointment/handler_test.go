package appointment

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medshare/medshare/internal/platform/auth"
	"github.com/medshare/medshare/internal/platform/middleware"
)

func newServer(svc *Service) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(testLogger)
	api := e.Group("/api")
	NewHandler(svc).RegisterRoutes(api)
	return e
}

func do(e *echo.Echo, method, target, body string, id auth.Identity) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

var (
	testLogger = zerolog.Nop()
	doctor  = auth.Identity{Subject: "u1", PartyKind: auth.KindProfessional, PartyID: "SLMC-123"}
	patient = auth.Identity{Subject: "u2", PartyKind: auth.KindPatient, PartyID: "PHN-001"}
)

func TestHandler_CreateAndDecide(t *testing.T) {
	svc, _ := newTestService()
	e := newServer(svc)

	when := testNow.Add(72 * time.Hour).Format(time.RFC3339)
	rec := do(e, http.MethodPost, "/api/patient/appointment-requests",
		`{"slmcNo":"SLMC-123","requestedFor":"`+when+`","reason":"knee pain"}`, patient)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Status             string  `json:"status"`
		AppointmentRequest Request `json:"appointmentRequest"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "success", created.Status)
	assert.Equal(t, "PHN-001", created.AppointmentRequest.PatientPHN)

	path := "/api/professional/appointment-requests/" + created.AppointmentRequest.ID.String() + "/status"
	rec = do(e, http.MethodPut, path, `{"status":"accepted"}`, doctor)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"Appointment request accepted"`)

	rec = do(e, http.MethodPut, path, `{"status":"rejected"}`, doctor)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)
}

func TestHandler_SetStatusForbiddenForPatients(t *testing.T) {
	svc, _ := newTestService()
	r := newPending(t, svc)
	e := newServer(svc)

	rec := do(e, http.MethodPut, "/api/professional/appointment-requests/"+r.ID.String()+"/status", `{"status":"accepted"}`, patient)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_SetStatusBadID(t *testing.T) {
	svc, _ := newTestService()
	e := newServer(svc)

	rec := do(e, http.MethodPut, "/api/professional/appointment-requests/not-a-uuid/status", `{"status":"accepted"}`, doctor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CreateForAnotherPatient(t *testing.T) {
	svc, _ := newTestService()
	e := newServer(svc)

	rec := do(e, http.MethodPost, "/api/patient/appointment-requests",
		`{"slmcNo":"SLMC-123","personalHealthNo":"PHN-999","requestedFor":"2030-01-01T10:00:00Z"}`, patient)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_ListOwn(t *testing.T) {
	svc, _ := newTestService()
	newPending(t, svc)
	e := newServer(svc)

	rec := do(e, http.MethodGet, "/api/professional/appointment-requests", "", doctor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = do(e, http.MethodGet, "/api/professional/appointment-requests?slmcNo=SLMC-999", "", doctor)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodGet, "/api/patient/appointment-requests", "", patient)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}
