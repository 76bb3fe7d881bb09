package queue

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/auth"
	"github.com/clinicq/clinicq/pkg/pagination"
)

// IdempotencyKeyHeader carries the client's booking retry token.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Reads – any authenticated caller
	read := api.Group("", auth.RequireAuthenticated())
	read.GET("/doctors", h.ListDoctors)
	read.GET("/doctors/:id", h.GetDoctor)
	read.GET("/doctors/:id/queue", h.GetQueue)
	read.GET("/doctors/:id/queue/events", h.ListQueueEvents)
	read.GET("/doctors/:id/appointments", h.ListDoctorAppointments)
	read.GET("/appointments", h.ListPatientAppointments)

	// Booking – patients and the front desk
	book := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleReceptionist))
	book.POST("/appointments", h.BookAppointment)

	// Queue control – clinical staff
	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleReceptionist))
	staff.POST("/doctors/:id/queue/advance", h.AdvanceQueue)
	staff.POST("/queue/entries/:id/skip", h.SkipEntry)
	staff.POST("/appointments/:id/complete", h.CompleteAppointment)
	staff.PUT("/appointments/:id/status", h.UpdateAppointmentStatus)
	staff.PUT("/doctors/:id/availability", h.SetAvailability)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/doctors", h.CreateDoctor)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(c echo.Context, err error) error {
	var (
		notFound    *NotFoundError
		invalid     *InvalidStateError
		validation  *ValidationError
		unavailable *StoreUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, invalid.Error())
	case errors.Is(err, ErrTicketAllocationFailed), IsConflict(err):
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusConflict, "concurrent update, retry the request")
	case errors.As(err, &unavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue store unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Doctor Handlers --

type createDoctorRequest struct {
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
	IsAvailable    *bool  `json:"is_available"`
}

func (h *Handler) CreateDoctor(c echo.Context) error {
	var req createDoctorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d := &Doctor{Name: req.Name, Specialization: req.Specialization, IsAvailable: true}
	if req.IsAvailable != nil {
		d.IsAvailable = *req.IsAvailable
	}
	if err := h.svc.CreateDoctor(c.Request().Context(), d); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	availableOnly := c.QueryParam("available") == "true"
	items, total, err := h.svc.ListDoctors(c.Request().Context(), availableOnly, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*Doctor{}
	}
	extra := ""
	if availableOnly {
		extra = "available=true"
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, extra, pg))
}

type availabilityRequest struct {
	Available *bool `json:"available"`
}

func (h *Handler) SetAvailability(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Available == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "available is required")
	}
	d, err := h.svc.SetDoctorAvailability(c.Request().Context(), id, *req.Available)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Booking Handlers --

type bookRequest struct {
	DoctorID string      `json:"doctor_id"`
	Patient  PatientInfo `json:"patient"`
}

// bookingSource records front-desk bookings as receptionist and everything
// else as patient self-service.
func bookingSource(ctx context.Context) Source {
	if auth.HasRole(ctx, auth.RoleReceptionist) {
		return SourceReceptionist
	}
	return SourcePatient
}

func (h *Handler) BookAppointment(c echo.Context) error {
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
	}
	ctx := c.Request().Context()
	booking, err := h.svc.Book(ctx, BookRequest{
		DoctorID:       doctorID,
		Patient:        req.Patient,
		Source:         bookingSource(ctx),
		IdempotencyKey: c.Request().Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		return httpError(c, err)
	}
	status := http.StatusCreated
	if booking.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, booking)
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	appts, err := h.svc.ActiveForPatient(c.Request().Context(), c.QueryParam("phone"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, appts)
}

func (h *Handler) ListDoctorAppointments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	day := h.svc.Now()
	if v := c.QueryParam("date"); v != "" {
		day, err = time.ParseInLocation("2006-01-02", v, day.Location())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
	}
	appts, err := h.svc.DoctorAppointments(c.Request().Context(), id, day)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, appts)
}

type statusRequest struct {
	Status AppointmentStatus `json:"status"`
}

func (h *Handler) UpdateAppointmentStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appt, err := h.svc.UpdateAppointmentStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	entry, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

// -- Queue Handlers --

func (h *Handler) GetQueue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.Queue(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) ListQueueEvents(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	events, err := h.svc.QueueEvents(c.Request().Context(), id, limit)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, events)
}

type advanceResponse struct {
	Entry *QueueEntry `json:"entry"`
}

func (h *Handler) AdvanceQueue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	entry, err := h.svc.Advance(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, advanceResponse{Entry: entry})
}

func (h *Handler) SkipEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	entry, err := h.svc.Skip(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}
