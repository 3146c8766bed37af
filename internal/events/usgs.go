package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"vegwatch/internal/external"
	"vegwatch/internal/types"
)

// DefaultUSGSURL is the USGS FDSN event query endpoint.
const DefaultUSGSURL = "https://earthquake.usgs.gov/fdsnws/event/1/query"

const (
	DefaultMinMagnitude = 2.5
	DefaultUSGSLimit    = 2000
)

// USGS reads earthquakes from the USGS FDSN event service. The bbox is
// applied upstream, so every returned quake is in the region.
type USGS struct {
	base         *external.BaseClient
	url          string
	minMagnitude float64
	limit        int
	now          func() time.Time
}

// NewUSGS creates the USGS provider.
func NewUSGS(base *external.BaseClient, endpoint string, minMagnitude float64, limit int, now func() time.Time) *USGS {
	if endpoint == "" {
		endpoint = DefaultUSGSURL
	}
	if minMagnitude <= 0 {
		minMagnitude = DefaultMinMagnitude
	}
	if limit <= 0 {
		limit = DefaultUSGSLimit
	}
	if now == nil {
		now = time.Now
	}
	return &USGS{base: base, url: endpoint, minMagnitude: minMagnitude, limit: limit, now: now}
}

func (p *USGS) Name() string { return SourceUSGS }

type usgsResponse struct {
	Features []struct {
		ID         string `json:"id"`
		Properties struct {
			Mag   *float64 `json:"mag"`
			Place string   `json:"place"`
			Time  int64    `json:"time"`
			URL   string   `json:"url"`
			Title string   `json:"title"`
		} `json:"properties"`
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

// Fetch queries quakes of at least the configured magnitude. Without dates
// the last 30 days are requested.
func (p *USGS) Fetch(ctx context.Context, q Query) (*Result, error) {
	start, end := q.Start, q.End
	if end == "" {
		end = p.now().UTC().Format(types.DateLayout)
	}
	if start == "" {
		t, _ := time.Parse(types.DateLayout, end)
		start = t.AddDate(0, 0, -30).Format(types.DateLayout)
	}

	params := url.Values{}
	params.Set("format", "geojson")
	params.Set("starttime", start)
	params.Set("endtime", end)
	params.Set("minlatitude", strconv.FormatFloat(q.BBox[1], 'f', -1, 64))
	params.Set("maxlatitude", strconv.FormatFloat(q.BBox[3], 'f', -1, 64))
	params.Set("minlongitude", strconv.FormatFloat(q.BBox[0], 'f', -1, 64))
	params.Set("maxlongitude", strconv.FormatFloat(q.BBox[2], 'f', -1, 64))
	params.Set("minmagnitude", strconv.FormatFloat(p.minMagnitude, 'f', -1, 64))
	params.Set("orderby", "time-asc")
	params.Set("limit", strconv.Itoa(p.limit))

	body, err := get(ctx, p.base, p.url, params)
	if err != nil {
		return nil, err
	}
	var resp usgsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "malformed USGS response", err)
	}

	res := &Result{Events: []Event{}, Stats: newStats()}
	for _, f := range resp.Features {
		c := f.Geometry.Coordinates
		if len(c) < 2 || !validLonLat(c[0], c[1]) {
			continue
		}
		mag := "?"
		if f.Properties.Mag != nil {
			mag = strconv.FormatFloat(*f.Properties.Mag, 'f', -1, 64)
		}
		title := f.Properties.Title
		if title == "" {
			title = fmt.Sprintf("M%s earthquake", mag)
		}
		date := isoDate(start)
		if f.Properties.Time > 0 {
			date = time.UnixMilli(f.Properties.Time).UTC().Format(time.RFC3339)
		}
		res.Events = append(res.Events, Event{
			ID:          f.ID,
			Title:       title,
			Description: fmt.Sprintf("Magnitude: %s", mag),
			Link:        f.Properties.URL,
			Categories:  []Category{{ID: "earthquakes", Title: "Earthquakes"}},
			Geometry:    []Geometry{{Type: "Point", Coordinates: [2]float64{c[0], c[1]}, Date: date}},
			Sources:     []Source{{ID: "USGS", URL: f.Properties.URL}},
		})
	}
	res.Stats.Total = len(res.Events)
	res.Stats.InRegion = len(res.Events)
	if len(res.Events) > 0 {
		res.Stats.ByCategory["earthquakes"] = len(res.Events)
	}
	return res, nil
}
