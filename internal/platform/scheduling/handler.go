// Package scheduling exposes the engine over HTTP: raw task submission for
// callers that bring their own constraints, and provider endpoints that read
// them from the booking store.
package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bookcal/bookcal/internal/availability"
	"github.com/bookcal/bookcal/internal/calendar"
	"github.com/bookcal/bookcal/internal/dispatcher"
	"github.com/bookcal/bookcal/internal/domain/booking"
	"github.com/bookcal/bookcal/internal/platform/middleware"
	"github.com/bookcal/bookcal/pkg/pagination"
)

const defaultSlotMinutes = 30

// TaskRunner runs tasks and reports on the worker.
type TaskRunner interface {
	Do(ctx context.Context, t dispatcher.Task) (dispatcher.Reply, error)
	State() dispatcher.State
	QueueDepth() int
}

// ScheduleLoader reads providers and their committed appointments.
type ScheduleLoader interface {
	GetProvider(ctx context.Context, id string) (*booking.Provider, error)
	ListProviders(ctx context.Context, limit, offset int) ([]*booking.Provider, int, error)
	LoadSchedule(ctx context.Context, providerID string, from, to time.Time) (*booking.Schedule, error)
}

// Options configures a Handler. Schedules may be nil, in which case the
// provider routes are not registered.
type Options struct {
	Tasks       TaskRunner
	Schedules   ScheduleLoader
	TaskTimeout time.Duration
	// Sessions reports open WebSocket sessions for /health. Optional.
	Sessions func() int
	Clock    func() time.Time
}

type Handler struct {
	opts Options
}

func NewHandler(opts Options) *Handler {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Handler{opts: opts}
}

// RegisterRoutes registers the task, provider and health routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	api := e.Group("/api/v1")
	api.POST("/tasks", h.SubmitTask)
	api.POST("/tasks/:type", h.SubmitTyped)

	if h.opts.Schedules != nil {
		api.GET("/providers", h.ListProviders)
		api.GET("/providers/:id", h.GetProvider)
		api.GET("/providers/:id/slots", h.ProviderSlots)
	}
}

type dispatcherHealth struct {
	State      string `json:"state"`
	QueueDepth int    `json:"queueDepth"`
}

type healthResponse struct {
	Status     string           `json:"status"`
	Dispatcher dispatcherHealth `json:"dispatcher"`
	Sessions   *int             `json:"sessions,omitempty"`
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	resp := healthResponse{
		Status: "ok",
		Dispatcher: dispatcherHealth{
			State:      h.opts.Tasks.State().String(),
			QueueDepth: h.opts.Tasks.QueueDepth(),
		},
	}
	if h.opts.Sessions != nil {
		n := h.opts.Sessions()
		resp.Sessions = &n
	}
	return c.JSON(http.StatusOK, resp)
}

// SubmitTask handles POST /api/v1/tasks. The body is a full task envelope.
// Once a task reaches the dispatcher the answer is always 200 with a reply
// envelope; failures are reported inside it.
func (h *Handler) SubmitTask(c echo.Context) error {
	var task dispatcher.Task
	if err := json.NewDecoder(c.Request().Body).Decode(&task); err != nil {
		return c.JSON(http.StatusBadRequest, dispatcher.Failure("", fmt.Errorf("invalid task envelope: %w", err)))
	}
	if task.ID == "" {
		task.ID = requestID(c)
	}
	return h.run(c, task)
}

// SubmitTyped handles POST /api/v1/tasks/:type. The body is the payload and
// the request id becomes the task id.
func (h *Handler) SubmitTyped(c echo.Context) error {
	var payload json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, dispatcher.Failure(requestID(c), fmt.Errorf("invalid payload: %w", err)))
	}
	return h.run(c, dispatcher.Task{
		ID:      requestID(c),
		Type:    dispatcher.TaskType(c.Param("type")),
		Payload: payload,
	})
}

func (h *Handler) run(c echo.Context, task dispatcher.Task) error {
	reply, err := h.do(c, task)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}

// do runs a task under the task timeout and maps transport failures to HTTP
// errors.
func (h *Handler) do(c echo.Context, task dispatcher.Task) (dispatcher.Reply, error) {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.opts.TaskTimeout)
	defer cancel()

	reply, err := h.opts.Tasks.Do(ctx, task)
	switch {
	case err == nil:
		return reply, nil
	case errors.Is(err, dispatcher.ErrQueueFull):
		c.Response().Header().Set("Retry-After", "1")
		return reply, echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatcher.ErrDispatcherClosed):
		return reply, echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return reply, echo.NewHTTPError(http.StatusGatewayTimeout, "task did not finish within "+h.opts.TaskTimeout.String())
	default:
		return reply, err
	}
}

func requestID(c echo.Context) string {
	if rid, _ := c.Get(middleware.RequestIDKey).(string); rid != "" {
		return rid
	}
	return c.Request().Header.Get(middleware.RequestIDHeader)
}

// ListProviders handles GET /api/v1/providers.
func (h *Handler) ListProviders(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.opts.Schedules.ListProviders(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p).WithLinks(c.Request().URL))
}

// GetProvider handles GET /api/v1/providers/:id.
func (h *Handler) GetProvider(c echo.Context) error {
	p, err := h.opts.Schedules.GetProvider(c.Request().Context(), c.Param("id"))
	if err != nil {
		return providerError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// ProviderSlots handles GET /api/v1/providers/:id/slots. start and end are
// RFC 3339 instants or dates; a date end is inclusive. available=true keeps
// only bookable slots and format=ics returns a calendar instead of JSON.
func (h *Handler) ProviderSlots(c echo.Context) error {
	from, to, err := parseWindow(c.QueryParam("start"), c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	duration := defaultSlotMinutes
	if d := c.QueryParam("duration"); d != "" {
		if duration, err = strconv.Atoi(d); err != nil || duration <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "duration must be a positive number of minutes")
		}
	}

	sched, err := h.opts.Schedules.LoadSchedule(c.Request().Context(), c.Param("id"), from, to)
	if err != nil {
		return providerError(err)
	}

	taskType := dispatcher.TypeGenerateTimeSlots
	if c.QueryParam("available") == "true" {
		taskType = dispatcher.TypeFindAvailableSlots
	}
	payload, err := json.Marshal(sched.SlotRequest(duration, h.opts.Clock()))
	if err != nil {
		return err
	}

	reply, err := h.do(c, dispatcher.Task{ID: requestID(c), Type: taskType, Payload: payload})
	if err != nil {
		return err
	}
	var slots []availability.TimeSlot
	if err := reply.Decode(&slots); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if c.QueryParam("format") == "ics" {
		c.Response().Header().Set(echo.HeaderContentType, "text/calendar; charset=utf-8")
		c.Response().WriteHeader(http.StatusOK)
		return calendar.ExportSlots(c.Response(), slots, calendar.ExportOptions{
			Summary: "Available: " + sched.Provider.DisplayName,
			Now:     h.opts.Clock(),
		})
	}

	p := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.Page(slots, p).WithLinks(c.Request().URL))
}

func providerError(err error) error {
	switch {
	case errors.Is(err, booking.ErrProviderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, booking.ErrInvalidWindow), errors.Is(err, booking.ErrMissingProvider),
		errors.Is(err, availability.ErrRangeTooLong):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}

func parseWindow(start, end string) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, errors.New("start and end query parameters are required")
	}
	from, _, err := parseInstant(start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	to, dateOnly, err := parseInstant(end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1)
	}
	return from, to, nil
}

func parseInstant(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse("2006-01-02", s)
	return t, true, err
}
