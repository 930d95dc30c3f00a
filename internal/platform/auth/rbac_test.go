package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithIdentity(t *testing.T, mw echo.MiddlewareFunc, id Identity) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(context.Background(), id))
	c := e.NewContext(req, httptest.NewRecorder())
	return mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
}

func expectForbidden(t *testing.T, err error) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole(t *testing.T) {
	mw := RequireRole("physician", "nurse")

	if err := runWithIdentity(t, mw, Identity{PartyKind: KindProfessional, PartyID: "SLMC-1", Roles: []string{"physician"}}); err != nil {
		t.Errorf("expected physician to pass, got %v", err)
	}
	if err := runWithIdentity(t, mw, Identity{PartyKind: KindAdmin}); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
	expectForbidden(t, runWithIdentity(t, mw, Identity{PartyKind: KindProfessional, PartyID: "SLMC-1", Roles: []string{"registrar"}}))
	expectForbidden(t, runWithIdentity(t, mw, Identity{}))
}

func TestRequirePartyKind(t *testing.T) {
	mw := RequirePartyKind(KindProfessional)

	if err := runWithIdentity(t, mw, Identity{PartyKind: KindProfessional, PartyID: "SLMC-1"}); err != nil {
		t.Errorf("expected professional to pass, got %v", err)
	}
	if err := runWithIdentity(t, mw, Identity{Roles: []string{"admin"}}); err != nil {
		t.Errorf("expected admin role to pass, got %v", err)
	}
	expectForbidden(t, runWithIdentity(t, mw, Identity{PartyKind: KindInstitute, PartyID: "INST-9"}))
	expectForbidden(t, runWithIdentity(t, mw, Identity{PartyKind: KindPatient, PartyID: "PHN-001"}))
}

func TestIdentity_Is(t *testing.T) {
	id := Identity{PartyKind: KindPatient, PartyID: "PHN-001"}
	if !id.Is(KindPatient, "PHN-001") {
		t.Error("expected identity to match its own party")
	}
	if id.Is(KindPatient, "PHN-002") || id.Is(KindProfessional, "PHN-001") {
		t.Error("expected mismatched party not to match")
	}
	if (Identity{PartyKind: KindPatient}).Is(KindPatient, "") {
		t.Error("empty party id must never match")
	}
}
