package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/schoolhealth/schoolhealth/internal/platform/auth"
)

type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleSupervisor))
	staff.GET("/notifications", h.List)
	staff.GET("/notifications/:id", h.Get)
	staff.POST("/notifications/:id/ack", h.Acknowledge)

	sup := api.Group("", auth.RequireRole(auth.RoleSupervisor))
	sup.GET("/notifications/stats", h.Stats)
	sup.POST("/notifications/:id/retry", h.Retry)
}

func parseUUIDParam(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// List handles GET /notifications?recipient=&incident=&unacknowledged=true
func (h *Handler) List(c echo.Context) error {
	recipient, err := parseUUIDParam(c.QueryParam("recipient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid recipient id")
	}
	incident, err := parseUUIDParam(c.QueryParam("incident"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid incident id")
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	msgs := h.manager.List(c.Request().Context(), ListFilter{
		RecipientID:    recipient,
		IncidentID:     incident,
		Unacknowledged: c.QueryParam("unacknowledged") == "true",
		Limit:          limit,
	})
	return c.JSON(http.StatusOK, map[string]interface{}{"data": msgs, "total": len(msgs)})
}

func (h *Handler) Get(c echo.Context) error {
	msg, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *Handler) Retry(c echo.Context) error {
	msg, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotFailed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		// the attempt was made; report the still-failed message
		return c.JSON(http.StatusBadGateway, msg)
	}
	return c.JSON(http.StatusOK, msg)
}

// Acknowledge handles POST /notifications/:id/ack, recorded by staff when a
// guardian confirms an urgent notice.
func (h *Handler) Acknowledge(c echo.Context) error {
	msg, err := h.manager.Acknowledge(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAckNotRequired), errors.Is(err, ErrAlreadyAcknowledged), errors.Is(err, ErrNotDelivered):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
