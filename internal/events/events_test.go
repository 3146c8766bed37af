package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/external"
	"vegwatch/internal/types"
)

var testBBox = types.BBox{70, 51, 72, 53}

func testBase(t *testing.T, srv *httptest.Server, provider string) *external.BaseClient {
	t.Helper()
	return external.NewBaseClient(srv.Client(), provider, external.RetryPolicy{
		MaxRetries: 0,
		MinWait:    time.Millisecond,
		MaxWait:    time.Millisecond,
		Factor:     2,
	}, "vegwatch-test", external.WithSleepFunc(func(time.Duration) {}))
}

func serve(t *testing.T, contentType, body string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const eonetBody = `{"events":[
 {"id":"EONET_1","title":"Steppe fire","description":"","link":"https://eonet/1","closed":null,
  "categories":[{"id":"wildfires","title":"Wildfires"}],"sources":[{"id":"InciWeb","url":"https://x"}],
  "geometry":[{"type":"Point","date":"2024-07-01T00:00:00Z","coordinates":[71.2,52.1]}]},
 {"id":"EONET_2","title":"Close storm","categories":[{"title":"Severe Storms"}],
  "geometry":[{"type":"Point","date":"2024-07-02T00:00:00Z","coordinates":[74.0,52.0]}]},
 {"id":"EONET_3","title":"Far volcano","categories":[{"title":"Volcanoes"}],
  "geometry":[{"type":"Point","coordinates":[140.0,35.0]}]},
 {"id":"EONET_4","title":"","categories":[{"title":"Volcanoes"}],
  "geometry":[{"type":"Polygon","coordinates":[[[1,1],[2,1],[2,2],[1,1]]]}]}
]}`

func TestEONET_FiltersByRegion(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(eonetBody))
	}))
	defer srv.Close()

	p := NewEONET(testBase(t, srv, "eonet"), srv.URL)
	res, err := p.Fetch(context.Background(), Query{BBox: testBBox, Status: StatusOpen, Start: "2024-06-01"})
	require.NoError(t, err)

	assert.Equal(t, "open", got.URL.Query().Get("status"))
	assert.Equal(t, "1500", got.URL.Query().Get("limit"))
	assert.Equal(t, "2024-06-01", got.URL.Query().Get("start"))

	require.Len(t, res.Events, 2)
	assert.Equal(t, "EONET_1", res.Events[0].ID)
	assert.Equal(t, []Category{{ID: "wildfires", Title: "Wildfires"}}, res.Events[0].Categories)
	assert.Equal(t, [2]float64{71.2, 52.1}, res.Events[0].Geometry[0].Coordinates)

	assert.Equal(t, "Untitled Event", res.Events[1].Title)
	assert.Equal(t, "manmade", res.Events[1].Categories[0].ID)
	assert.Equal(t, "Polygon", res.Events[1].Geometry[0].Type)

	assert.Equal(t, 4, res.Stats.Total)
	assert.Equal(t, 2, res.Stats.InRegion)
	assert.Equal(t, 1, res.Stats.Nearby, "storm 3 degrees east of the centre")
	assert.Equal(t, map[string]int{"wildfires": 1, "manmade": 1}, res.Stats.ByCategory)
	require.Len(t, res.Stats.SampleCoordinates, 3)
	assert.Equal(t, 3.0, res.Stats.SampleCoordinates[1].DistanceDeg)
}

func TestEONET_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewEONET(testBase(t, srv, "eonet"), srv.URL).Fetch(context.Background(), Query{BBox: testBBox, Status: StatusOpen})
	require.Error(t, err)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
}

func TestUSGS_MapsQuakes(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`{"features":[
		 {"id":"us1","properties":{"mag":4.2,"time":1719792000000,"url":"https://usgs/us1","title":""},
		  "geometry":{"coordinates":[71.5,52.5,10]}},
		 {"id":"bad","properties":{},"geometry":{"coordinates":[]}}]}`))
	}))
	defer srv.Close()

	now := func() time.Time { return time.Date(2024, 7, 10, 0, 0, 0, 0, time.UTC) }
	p := NewUSGS(testBase(t, srv, "usgs"), srv.URL, 0, 0, now)
	res, err := p.Fetch(context.Background(), Query{BBox: testBBox})
	require.NoError(t, err)

	q := got.URL.Query()
	assert.Equal(t, "geojson", q.Get("format"))
	assert.Equal(t, "2024-06-10", q.Get("starttime"))
	assert.Equal(t, "2024-07-10", q.Get("endtime"))
	assert.Equal(t, "2.5", q.Get("minmagnitude"))
	assert.Equal(t, "2000", q.Get("limit"))
	assert.Equal(t, "70", q.Get("minlongitude"))

	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, "M4.2 earthquake", ev.Title)
	assert.Equal(t, "Magnitude: 4.2", ev.Description)
	assert.Equal(t, "2024-07-01T00:00:00Z", ev.Geometry[0].Date)
	assert.Equal(t, "USGS", ev.Sources[0].ID)
	assert.Equal(t, 1, res.Stats.InRegion)
	assert.Equal(t, map[string]int{"earthquakes": 1}, res.Stats.ByCategory)
}

func TestGDACS_FeatureAndFlatItems(t *testing.T) {
	srv := serve(t, "application/json", `{"features":[
	 {"type":"Feature","properties":{"eventtype":"FL","eventname":"Ishim flood","eventid":1001,"fromdate":"2024-04-10"},
	  "geometry":{"coordinates":[71.4,51.2]}},
	 {"type":"Feature","properties":{"eventtype":"EQ","eventid":1002},"geometry":{"coordinates":[10,10]}},
	 {"type":"Feature","properties":{"eventtype":"TC"},"geometry":{}}
	]}`, nil)

	res, err := NewGDACS(testBase(t, srv, "gdacs"), srv.URL).Fetch(context.Background(), Query{BBox: testBBox})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, "gdacs_1001", ev.ID)
	assert.Equal(t, "Ishim flood", ev.Title)
	assert.Equal(t, "https://www.gdacs.org/", ev.Link)
	assert.Equal(t, []Category{{ID: "floods", Title: "FL"}}, ev.Categories)
	assert.Equal(t, 3, res.Stats.Total)
	assert.Equal(t, 1, res.Stats.InRegion)

	flat := serve(t, "application/json", `{"events":[{"lon":"71.0","lat":52.0,"eventtype":"wf","eventname":"Fire"}]}`, nil)
	res, err = NewGDACS(testBase(t, flat, "gdacs"), flat.URL).Fetch(context.Background(), Query{BBox: testBBox})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "wildfires", res.Events[0].Categories[0].ID)
	assert.Equal(t, "gdacs_WF_71_52", res.Events[0].ID)
}

const gdacsFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:geo="http://www.w3.org/2003/01/geo/wgs84_pos#" xmlns:gdacs="http://www.gdacs.org">
<channel><title>GDACS</title>
<item><title>Green flood alert in Kazakhstan</title><link>https://gdacs/1</link><guid>FL1</guid>
 <pubDate>Mon, 01 Jul 2024 10:00:00 GMT</pubDate><geo:lat>52.0</geo:lat><geo:long>71.0</geo:long></item>
<item><title>Tropical cyclone</title><guid>TC1</guid><pubDate>Mon, 01 Jul 2024 10:00:00 GMT</pubDate>
 <gdacs:eventtype>TC</gdacs:eventtype><geo:lat>52.5</geo:lat><geo:long>71.5</geo:long></item>
<item><title>Old earthquake</title><guid>EQ1</guid><pubDate>Sat, 01 Jun 2024 10:00:00 GMT</pubDate>
 <geo:lat>52.5</geo:lat><geo:long>71.5</geo:long></item>
<item><title>Far drought</title><guid>DR1</guid><pubDate>Mon, 01 Jul 2024 10:00:00 GMT</pubDate>
 <geo:lat>10</geo:lat><geo:long>10</geo:long></item>
</channel></rss>`

func TestGDACSRSS_FiltersByDateAndRegion(t *testing.T) {
	srv := serve(t, "application/rss+xml", gdacsFeed, nil)

	p := NewGDACSRSS(testBase(t, srv, "gdacs-rss"), srv.URL)
	res, err := p.Fetch(context.Background(), Query{BBox: testBBox, Start: "2024-06-15", End: "2024-07-01"})
	require.NoError(t, err)

	require.Len(t, res.Events, 2)
	assert.Equal(t, "FL1", res.Events[0].ID)
	assert.Equal(t, "floods", res.Events[0].Categories[0].ID)
	assert.Equal(t, "2024-07-01T10:00:00Z", res.Events[0].Geometry[0].Date)
	assert.Equal(t, "severeStorms", res.Events[1].Categories[0].ID)
	assert.Equal(t, 4, res.Stats.Total)
	assert.Equal(t, 2, res.Stats.InRegion)
	assert.Len(t, res.Stats.SampleCoordinates, 3)
}

func TestKeywordCategory(t *testing.T) {
	cases := map[string]string{
		"Orange FLOOD alert":  "floods",
		"Typhoon Gaemi":       "severeStorms",
		"Forest fire":         "wildfires",
		"M5.1 Earthquake":     "earthquakes",
		"Volcano eruption":    "manmade",
		"Drought in the east": "drought",
	}
	for text, want := range cases {
		got, ok := keywordCategory(text)
		assert.True(t, ok, text)
		assert.Equal(t, want, got, text)
	}
	_, ok := keywordCategory("Something else")
	assert.False(t, ok)
}

const firmsCSV = `latitude,longitude,bright_ti4,acq_date,acq_time,satellite,confidence,frp
52.1,71.1,330,2024-07-01,0930,N,nominal,5.5
52.2,71.2,340,2024/07/01,1205,N,high,2.0
52.3,71.3,320,2024-07-01,45,N,low,9.0
10.0,10.0,300,2024-07-01,1200,N,high,50
52.4,71.4,300,2024-07-01,1200,N,high,7.5
`

func TestFIRMS_FallsBackAndSorts(t *testing.T) {
	html := serve(t, "text/html", "<html>maintenance</html>", nil)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()
	good := serve(t, "text/csv", firmsCSV, nil)

	p := NewFIRMS(testBase(t, good, "firms"), []string{down.URL, html.URL, good.URL}, 0, 2, nil)
	res, err := p.Fetch(context.Background(), Query{BBox: testBBox})
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, "firms_wildfires", ev.ID)
	assert.Equal(t, "Active fires (FIRMS): 2 points", ev.Title)
	require.Len(t, ev.Geometry, 2)
	assert.Equal(t, [2]float64{71.4, 52.4}, ev.Geometry[0].Coordinates, "high confidence, larger frp first")
	assert.Equal(t, [2]float64{71.2, 52.2}, ev.Geometry[1].Coordinates)
	assert.Equal(t, "2024-07-01T12:05:00Z", ev.Geometry[1].Date)
	assert.Equal(t, 2, res.Stats.Total)
}

func TestFIRMS_MinConfidenceAndEmpty(t *testing.T) {
	srv := serve(t, "text/csv", firmsCSV, nil)

	p := NewFIRMS(testBase(t, srv, "firms"), []string{srv.URL}, 95, 0, nil)
	res, err := p.Fetch(context.Background(), Query{BBox: testBBox})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 0, res.Stats.Total)
}

func TestFIRMS_NoFeed(t *testing.T) {
	html := serve(t, "text/html", "<html></html>", nil)
	_, err := NewFIRMS(testBase(t, html, "firms"), []string{html.URL}, 0, 0, nil).Fetch(context.Background(), Query{BBox: testBBox})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUpstreamUnavailable))
}

func TestAcquisitionTime(t *testing.T) {
	assert.Equal(t, "2024-07-01T00:45:00Z", acquisitionTime("2024-07-01", "45"))
	assert.Equal(t, "2024-07-01T09:30:00Z", acquisitionTime("2024/07/01", "0930"))
	assert.Equal(t, "", acquisitionTime("not-a-date", "0930"))
}

// ---- Service ----

type stubProvider struct {
	name  string
	res   *Result
	err   error
	calls atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Fetch(context.Context, Query) (*Result, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	cp := *p.res
	return &cp, nil
}

func eventsN(prefix string, n int, cat string) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = Event{ID: prefix, Categories: []Category{{ID: cat}}}
	}
	return out
}

func TestService_FetchCachesAndPaginates(t *testing.T) {
	p := &stubProvider{name: SourceEONET, res: &Result{
		Events: eventsN("e", 5, "floods"),
		Stats:  Stats{Total: 5, InRegion: 5, ByCategory: map[string]int{"floods": 5}},
	}}
	svc := NewService(NewCache(16, time.Minute), testBBox, nil, p)

	res, err := svc.Fetch(context.Background(), SourceEONET, Query{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Len(t, res.Events, 2)
	assert.Equal(t, &Pagination{Total: 5, Limit: 2, Offset: 1, Returned: 2}, res.Pagination)

	res, err = svc.Fetch(context.Background(), SourceEONET, Query{Limit: 10, Offset: 4})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Len(t, res.Events, 1)
	assert.Equal(t, int32(1), p.calls.Load())

	// Swapped corners and extra precision normalise to the same key.
	_, err = svc.Fetch(context.Background(), SourceEONET, Query{BBox: types.BBox{72, 53, 70.0000001, 51}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())

	_, err = svc.Fetch(context.Background(), SourceEONET, Query{Status: StatusClosed})
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestService_Validation(t *testing.T) {
	svc := NewService(nil, testBBox, nil, &stubProvider{name: SourceEONET, res: &Result{}})
	ctx := context.Background()

	cases := []struct {
		name   string
		source string
		q      Query
	}{
		{"unknown source", "nope", Query{}},
		{"bad status", SourceEONET, Query{Status: "pending"}},
		{"bad date", SourceEONET, Query{Start: "2024-13-01"}},
		{"reversed dates", SourceEONET, Query{Start: "2024-07-02", End: "2024-07-01"}},
		{"bad latitude", SourceEONET, Query{BBox: types.BBox{70, 51, 72, 95}}},
		{"negative limit", SourceEONET, Query{Limit: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Fetch(ctx, tc.source, tc.q)
			require.Error(t, err)
			assert.True(t, types.IsKind(err, types.KindValidation))
		})
	}
}

func TestService_CombinedToleratesFailures(t *testing.T) {
	eonet := &stubProvider{name: SourceEONET, res: &Result{
		Events: eventsN("e", 2, "floods"),
		Stats:  Stats{Total: 3, InRegion: 2, Nearby: 1, ByCategory: map[string]int{"floods": 2}},
	}}
	usgs := &stubProvider{name: SourceUSGS, err: types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil)}
	firms := &stubProvider{name: SourceFIRMS, res: &Result{
		Events: eventsN("f", 1, "wildfires"),
		Stats:  Stats{Total: 40, InRegion: 40, ByCategory: map[string]int{"wildfires": 40}},
	}}
	rss := &stubProvider{name: SourceGDACSRSS, res: &Result{}}

	svc := NewService(NewCache(4, time.Minute), testBBox, nil, eonet, usgs, firms, rss)
	res, err := svc.Fetch(context.Background(), SourceCombined, Query{})
	require.NoError(t, err)

	assert.Len(t, res.Events, 3)
	assert.Equal(t, 43, res.Stats.Total)
	assert.Equal(t, 42, res.Stats.InRegion)
	assert.Equal(t, 1, res.Stats.Nearby)
	assert.Equal(t, map[string]int{"floods": 2, "wildfires": 40}, res.Stats.ByCategory)
	assert.Empty(t, res.Stats.SampleCoordinates)
	assert.Zero(t, rss.calls.Load(), "RSS duplicates GDACS and is not combined")

	again, err := svc.Combined(context.Background(), Query{})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, int32(1), eonet.calls.Load())
}

func TestService_CombinedCountsCategoriesFromEvents(t *testing.T) {
	a := &stubProvider{name: SourceGDACS, res: &Result{Events: eventsN("g", 2, "drought"), Stats: newStats()}}
	svc := NewService(nil, testBBox, nil, a)

	res, err := svc.Combined(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"drought": 2}, res.Stats.ByCategory)
}

func TestService_CombinedAllFailed(t *testing.T) {
	down := types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil)
	svc := NewService(nil, testBBox, nil,
		&stubProvider{name: SourceEONET, err: down},
		&stubProvider{name: SourceUSGS, err: down})

	_, err := svc.Combined(context.Background(), Query{})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUpstreamUnavailable))
}

func TestService_Sources(t *testing.T) {
	svc := NewService(nil, testBBox, nil,
		&stubProvider{name: SourceUSGS}, &stubProvider{name: SourceEONET})
	assert.Equal(t, []string{SourceEONET, SourceUSGS}, svc.Sources())
}
