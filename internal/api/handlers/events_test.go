package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/events"
	"vegwatch/internal/types"
)

type fakeEvents struct {
	source   string
	query    events.Query
	combined bool
	err      error
}

func (f *fakeEvents) Fetch(_ context.Context, source string, q events.Query) (*events.Result, error) {
	f.source, f.query = source, q
	if f.err != nil {
		return nil, f.err
	}
	return &events.Result{Events: []events.Event{{ID: "EONET_1", Title: "Wildfire"}}}, nil
}

func (f *fakeEvents) Combined(_ context.Context, q events.Query) (*events.Result, error) {
	f.combined, f.query = true, q
	if f.err != nil {
		return nil, f.err
	}
	return &events.Result{Events: []events.Event{}}, nil
}

func newEventsRouter(svc EventService) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", NewEventsHandler(svc, nil).RegisterRoutes)
	return r
}

func TestEvents_EONETDefaults(t *testing.T) {
	svc := &fakeEvents{}
	rec := serve(t, newEventsRouter(svc), http.MethodGet, "/api/v1/events", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, events.SourceEONET, svc.source)
	assert.Equal(t, defaultEventLimit, svc.query.Limit)
	assert.Zero(t, svc.query.Offset)
	assert.Equal(t, types.BBox{}, svc.query.BBox, "default bbox is applied by the service")

	var res events.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Events, 1)
	assert.Equal(t, "EONET_1", res.Events[0].ID)
}

func TestEvents_EONETParams(t *testing.T) {
	svc := &fakeEvents{}
	rec := serve(t, newEventsRouter(svc), http.MethodGet,
		"/api/v1/events?start=2024-06-01&end=2024-06-30&status=all&bbox=76,54,65,49.5&limit=20&offset=40", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, events.Query{
		BBox:   types.BBox{76, 54, 65, 49.5},
		Start:  "2024-06-01",
		End:    "2024-06-30",
		Status: "all",
		Limit:  20,
		Offset: 40,
	}, svc.query)
}

func TestEvents_InvalidParams(t *testing.T) {
	for _, q := range []string{"limit=0", "limit=5000", "offset=-1", "bbox=1,2,3", "bbox=a,b,c,d"} {
		t.Run(q, func(t *testing.T) {
			svc := &fakeEvents{}
			rec := serve(t, newEventsRouter(svc), http.MethodGet, "/api/v1/events?"+q, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, svc.source)
		})
	}
}

func TestEvents_SourceAndCombined(t *testing.T) {
	svc := &fakeEvents{}
	router := newEventsRouter(svc)

	rec := serve(t, router, http.MethodGet, "/api/v1/events/usgs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, events.SourceUSGS, svc.source)
	assert.Zero(t, svc.query.Limit, "single sources are not paginated")

	rec = serve(t, router, http.MethodGet, "/api/v1/events/combined?status=closed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.combined)
	assert.Equal(t, "closed", svc.query.Status)
}

func TestEvents_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown source", types.NewAppError(types.ErrCodeValidationOutOfRange, `unknown event source "nope"`, nil), http.StatusBadRequest},
		{"feed down", types.NewAppError(types.ErrCodeUpstreamUnavailable, "no FIRMS feed reachable", nil), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, newEventsRouter(&fakeEvents{err: tt.err}), http.MethodGet, "/api/v1/events/nope", "")
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
