package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vegwatch/internal/core"
	"vegwatch/internal/events"
	"vegwatch/internal/types"
)

// Event list bounds for limit and offset.
const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxEventOffset    = 1_000_000
)

// EventService is the contract of events.Service used by the handler.
type EventService interface {
	Fetch(ctx context.Context, source string, q events.Query) (*events.Result, error)
	Combined(ctx context.Context, q events.Query) (*events.Result, error)
}

// EventsHandler serves the natural-hazard feeds.
type EventsHandler struct {
	service EventService
	logger  *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(svc EventService, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{service: svc, logger: logger}
}

// RegisterRoutes mounts the event endpoints on the /api/v1 sub-router.
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.HandleEONET)
	r.Get("/events/combined", h.HandleCombined)
	r.Get("/events/{source}", h.HandleSource)
}

// parseEventQuery reads start, end, status, bbox, limit and offset. Range
// and ordering checks belong to events.Service.Normalize.
func parseEventQuery(p queryParams, paginate bool) (events.Query, error) {
	bbox, err := p.optionalBBox()
	if err != nil {
		return events.Query{}, err
	}
	q := events.Query{
		BBox:   bbox,
		Start:  p.str("start"),
		End:    p.str("end"),
		Status: p.str("status"),
	}
	if !paginate {
		return q, nil
	}
	if q.Limit, err = p.intParam("limit", defaultEventLimit, 1, maxEventLimit); err != nil {
		return events.Query{}, err
	}
	if q.Offset, err = p.intParam("offset", 0, 0, maxEventOffset); err != nil {
		return events.Query{}, err
	}
	return q, nil
}

// HandleEONET handles GET /api/v1/events, the paginated EONET feed.
func (h *EventsHandler) HandleEONET(w http.ResponseWriter, r *http.Request) {
	h.fetch(w, r, events.SourceEONET, true)
}

// HandleCombined handles GET /api/v1/events/combined.
func (h *EventsHandler) HandleCombined(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(newQueryParams(r.URL.Query()), false)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.service.Combined(r.Context(), q)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

// HandleSource handles GET /api/v1/events/{source} for a single provider.
func (h *EventsHandler) HandleSource(w http.ResponseWriter, r *http.Request) {
	h.fetch(w, r, chi.URLParam(r, "source"), false)
}

func (h *EventsHandler) fetch(w http.ResponseWriter, r *http.Request, source string, paginate bool) {
	q, err := parseEventQuery(newQueryParams(r.URL.Query()), paginate)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.service.Fetch(r.Context(), source, q)
	if err != nil {
		types.LoggerFromContext(r.Context(), h.logger).Warn("event feed failed",
			"source", source, "error", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}
