package booking

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read and booking endpoints, any authenticated user
	api.GET("/doctors/:doctorId/rules", h.ListRules)
	api.GET("/doctors/:doctorId/availability", h.AvailableDates)
	api.GET("/doctors/:doctorId/availability/:date", h.OpenSlots)
	api.POST("/appointments", h.CreateAppointment)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)

	// Clinic administration
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/doctors/:doctorId/rules", h.CreateRule)
	admin.DELETE("/rules/:id", h.DeleteRule)
	admin.DELETE("/doctors/:doctorId", h.PurgeDoctor)
	admin.PUT("/appointments/:id", h.UpdateAppointment)
	admin.POST("/appointments/:id/confirm", h.ConfirmAppointment)
	admin.DELETE("/appointments/:id", h.DeleteAppointment)
}

func callerFrom(ctx context.Context) Caller {
	return Caller{
		UserID: auth.UserIDFromContext(ctx),
		Admin:  auth.HasRole(ctx, auth.RoleAdmin),
	}
}

// AuthorizeTopic decides which change feed topics a WebSocket client may
// follow. Schedules are public to signed-in users, a patient's appointments
// are visible to that patient, and the full appointment feed is for
// administrators.
func AuthorizeTopic(ctx context.Context, topic string) bool {
	caller := callerFrom(ctx)
	if caller.UserID == "" {
		return false
	}
	switch {
	case strings.HasPrefix(topic, "rules/"):
		return len(topic) > len("rules/")
	case strings.HasPrefix(topic, "appointments/patient/"):
		return caller.Admin || topic == PatientTopic(caller.UserID)
	case topic == AllAppointmentsTopic:
		return caller.Admin
	}
	return false
}

// errorResponse maps booking errors to HTTP errors. Unexpected errors are
// logged and hidden behind a generic message.
func (h *Handler) errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrMissingField), errors.Is(err, ErrInvalidField):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrDuplicateBooking):
		return echo.NewHTTPError(http.StatusConflict, "An appointment already exists for that doctor, date, and time")
	case errors.Is(err, ErrSlotTaken), errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.logger.Error().Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Msg("booking request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Schedule rules --

type ruleRequest struct {
	Weekdays  []int    `json:"weekdays"`
	TimeSlots []string `json:"time_slots"`
}

func (h *Handler) CreateRule(c echo.Context) error {
	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	rule, err := h.svc.CreateRule(ctx, callerFrom(ctx), c.Param("doctorId"), req.Weekdays, req.TimeSlots)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, rule)
}

func (h *Handler) ListRules(c echo.Context) error {
	rules, err := h.svc.ListRules(c.Request().Context(), c.Param("doctorId"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rules)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteRule(ctx, callerFrom(ctx), id); err != nil {
		return h.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PurgeDoctor(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := h.svc.PurgeDoctor(ctx, callerFrom(ctx), c.Param("doctorId"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Availability --

func (h *Handler) AvailableDates(c echo.Context) error {
	doctorID := c.Param("doctorId")
	dates, err := h.svc.AvailableDates(c.Request().Context(), doctorID)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id": doctorID,
		"dates":     dates,
	})
}

func (h *Handler) OpenSlots(c echo.Context) error {
	doctorID := c.Param("doctorId")
	date, err := ParseDate(c.Param("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	slots, err := h.svc.OpenSlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id": doctorID,
		"date":      date,
		"slots":     slots,
	})
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	a, err := h.svc.CreateAppointment(ctx, callerFrom(ctx), req)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.GetAppointment(ctx, callerFrom(ctx), id)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.ListAppointments(ctx, callerFrom(ctx), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var upd AppointmentUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	a, err := h.svc.UpdateAppointment(ctx, callerFrom(ctx), id, upd)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.ConfirmAppointment(ctx, callerFrom(ctx), id)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteAppointment(ctx, callerFrom(ctx), id); err != nil {
		return h.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
