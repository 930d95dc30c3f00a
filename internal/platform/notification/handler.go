package notification

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medshare/medshare/internal/platform/auth"
	"github.com/medshare/medshare/pkg/pagination"
)

type Handler struct {
	notifier *Notifier
}

func NewHandler(n *Notifier) *Handler {
	return &Handler{notifier: n}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
}

// List returns the calling party's own notifications.
func (h *Handler) List(c echo.Context) error {
	id := auth.IdentityFromContext(c.Request().Context())
	if id.PartyID == "" {
		return echo.NewHTTPError(http.StatusForbidden, "notifications are addressed to a party")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.notifier.List(c.Request().Context(), Recipient(id.PartyKind, id.PartyID), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
