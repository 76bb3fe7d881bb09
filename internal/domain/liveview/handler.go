package liveview

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/auth"
)

type Handler struct {
	proj *Projector
}

func NewHandler(proj *Projector) *Handler {
	return &Handler{proj: proj}
}

// RegisterRoutes mounts the view endpoints. /board is public and must be
// listed by the auth skipper.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/board", h.GetBoard)

	read := api.Group("", auth.RequireAuthenticated())
	read.GET("/doctors/:id/queue/view", h.GetQueueView)
	read.GET("/patients/:phone/status", h.GetPatientStatus)
}

func viewError(err error) error {
	var (
		notFound    *queue.NotFoundError
		validation  *queue.ValidationError
		unavailable *queue.StoreUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	case errors.As(err, &unavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue store unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "failed to build view").SetInternal(err)
}

func (h *Handler) GetQueueView(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.proj.QueueView(c.Request().Context(), id)
	if err != nil {
		return viewError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetPatientStatus(c echo.Context) error {
	v, err := h.proj.PatientStatus(c.Request().Context(), c.Param("phone"))
	if err != nil {
		return viewError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetBoard(c echo.Context) error {
	v, err := h.proj.Board(c.Request().Context())
	if err != nil {
		return viewError(err)
	}
	return c.JSON(http.StatusOK, v)
}
