package incident

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/schoolhealth/schoolhealth/internal/platform/auth"
	"github.com/schoolhealth/schoolhealth/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleSupervisor))
	staff.GET("/incidents", h.List)
	staff.GET("/incidents/:id", h.Get)
	staff.GET("/incidents/:id/history", h.History)
	staff.POST("/incidents", h.Create)
	staff.POST("/incidents/:id/claim", h.Claim)
	staff.POST("/incidents/:id/complete", h.Complete)
	staff.POST("/incidents/:id/emergency", h.ReviseEmergency)
	staff.POST("/incidents/:id/cancel", h.Cancel)

	sup := api.Group("", auth.RequireRole(auth.RoleSupervisor))
	sup.POST("/incidents/:id/assign", h.Assign)
	sup.DELETE("/incidents/:id", h.Delete)
}

// toHTTPError maps engine errors onto status codes. The message is passed
// through so the caller can see who holds the incident and since when.
func toHTTPError(err error) error {
	var (
		compat    *CompatibilityError
		owned     *AlreadyOwnedError
		notOwner  *NotOwnerError
		perm      *PermissionError
		completed *AlreadyCompletedError
	)
	switch {
	case errors.As(err, &compat):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &owned), errors.As(err, &completed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &notOwner), errors.As(err, &perm):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "incident not found")
	case errors.Is(err, ErrConflict), errors.Is(err, ErrUsageHistory):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func actorFrom(c echo.Context) (auth.Actor, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return actor, nil
}

func idParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inc, err := h.svc.Create(c.Request().Context(), actor, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, inc)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	inc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inc)
}

// List serves the pending queue by default, or the open incidents of one
// owner with ?owner=<id> or ?owner=me.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var (
		items []*Incident
		err   error
	)
	if owner := c.QueryParam("owner"); owner != "" {
		var ownerID uuid.UUID
		if owner == "me" {
			actor, aerr := actorFrom(c)
			if aerr != nil {
				return aerr
			}
			ownerID = actor.ID
		} else if ownerID, err = uuid.Parse(owner); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid owner")
		}
		items, err = h.svc.ListOpenByOwner(ctx, ownerID)
	} else {
		if status := c.QueryParam("status"); status != "" && status != string(StatusPending) {
			return echo.NewHTTPError(http.StatusBadRequest, "only status=pending can be listed; use owner= for assigned incidents")
		}
		items, err = h.svc.ListPending(ctx)
	}
	if err != nil {
		return toHTTPError(err)
	}
	if items == nil {
		items = []*Incident{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Window(items, pg), len(items), pg))
}

func (h *Handler) History(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	events, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	if events == nil {
		events = []*Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": events, "total": len(events)})
}

func (h *Handler) Claim(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	inc, err := h.svc.SelfAssign(c.Request().Context(), actor, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inc)
}

type assignRequest struct {
	StaffID uuid.UUID `json:"staff_id"`
}

func (h *Handler) Assign(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.StaffID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "staff_id is required")
	}
	inc, err := h.svc.SupervisorAssign(c.Request().Context(), actor, id, req.StaffID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inc)
}

type completeRequest struct {
	ActionTaken string `json:"action_taken"`
	Outcome     string `json:"outcome"`
}

func (h *Handler) Complete(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inc, err := h.svc.Complete(c.Request().Context(), actor, id, req.ActionTaken, req.Outcome)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inc)
}

type emergencyRequest struct {
	IsEmergency *bool `json:"is_emergency"`
}

func (h *Handler) ReviseEmergency(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req emergencyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.IsEmergency == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "is_emergency is required")
	}
	inc, err := h.svc.ReviseEmergencyFlag(c.Request().Context(), actor, id, *req.IsEmergency)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inc)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inc, err := h.svc.Cancel(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inc)
}

func (h *Handler) Delete(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), actor, id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
