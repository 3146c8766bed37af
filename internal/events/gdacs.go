package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"vegwatch/internal/external"
	"vegwatch/internal/types"
)

// DefaultGDACSURL is the GDACS event list API.
const DefaultGDACSURL = "https://www.gdacs.org/gdacsapi/api/events/geteventlist"

const gdacsHome = "https://www.gdacs.org/"

// gdacsCategories maps GDACS event type codes to frontend category ids.
var gdacsCategories = map[string]string{
	"EQ": "earthquakes",
	"TC": "severeStorms",
	"FL": "floods",
	"VO": "manmade",
	"WF": "wildfires",
	"DR": "drought",
}

func gdacsCategory(code string) string {
	if id, ok := gdacsCategories[strings.ToUpper(code)]; ok {
		return id
	}
	return "manmade"
}

// GDACS reads the Global Disaster Alert and Coordination System event list.
type GDACS struct {
	base *external.BaseClient
	url  string
}

// NewGDACS creates the GDACS API provider.
func NewGDACS(base *external.BaseClient, endpoint string) *GDACS {
	if endpoint == "" {
		endpoint = DefaultGDACSURL
	}
	return &GDACS{base: base, url: endpoint}
}

func (p *GDACS) Name() string { return SourceGDACS }

// gdacsResponse accepts both a GeoJSON FeatureCollection and a flat
// {"events": [...]} list.
type gdacsResponse struct {
	Features []map[string]any `json:"features"`
	Events   []map[string]any `json:"events"`
}

// Fetch returns GDACS events located inside the bbox. Malformed items are
// counted in the total and skipped.
func (p *GDACS) Fetch(ctx context.Context, q Query) (*Result, error) {
	params := url.Values{}
	if q.Start != "" {
		params.Set("fromdate", q.Start)
	}
	if q.End != "" {
		params.Set("todate", q.End)
	}
	body, err := get(ctx, p.base, p.url, params)
	if err != nil {
		return nil, err
	}
	var resp gdacsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "malformed GDACS response", err)
	}
	items := resp.Features
	if len(items) == 0 {
		items = resp.Events
	}

	res := &Result{Events: []Event{}, Stats: newStats()}
	for _, it := range items {
		res.Stats.Total++
		ev, lon, lat, ok := gdacsEvent(it)
		if !ok || !q.BBox.Contains(lon, lat) {
			continue
		}
		res.Events = append(res.Events, ev)
		res.Stats.InRegion++
		res.Stats.ByCategory[ev.Categories[0].ID]++
		res.Stats.addSample(ev.Title, lon, lat, 0)
	}
	return res, nil
}

func gdacsEvent(it map[string]any) (Event, float64, float64, bool) {
	props := it
	var lon, lat float64
	var ok bool
	if str(it["type"]) == "Feature" {
		props, _ = it["properties"].(map[string]any)
		geom, _ := it["geometry"].(map[string]any)
		coords, _ := geom["coordinates"].([]any)
		if len(coords) < 2 {
			return Event{}, 0, 0, false
		}
		lon, ok = num(coords[0])
		if !ok {
			return Event{}, 0, 0, false
		}
		lat, ok = num(coords[1])
	} else {
		lon, ok = num(it["lon"])
		if !ok {
			return Event{}, 0, 0, false
		}
		lat, ok = num(it["lat"])
	}
	if !ok || props == nil || !validLonLat(lon, lat) {
		return Event{}, 0, 0, false
	}

	code := strings.ToUpper(firstStr(props, "eventtype", "eventtypecode"))
	title := firstStr(props, "eventname", "title")
	if title == "" {
		title = "GDACS Event"
	}
	link := firstStr(props, "url", "eventurl")
	if link == "" {
		link = gdacsHome
	}
	id := firstStr(props, "eventid", "id")
	if id == "" {
		id = fmt.Sprintf("%s_%g_%g", code, lon, lat)
	}
	cat := gdacsCategory(code)

	return Event{
		ID:          "gdacs_" + id,
		Title:       title,
		Description: str(props["description"]),
		Link:        link,
		Categories:  []Category{{ID: cat, Title: code}},
		Geometry: []Geometry{{
			Type:        "Point",
			Coordinates: [2]float64{lon, lat},
			Date:        firstStr(props, "fromdate", "alertdate"),
		}},
		Sources: []Source{{ID: "GDACS"}},
	}, lon, lat, true
}

// str renders a decoded JSON scalar as a string.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// num accepts JSON numbers and numeric strings.
func num(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
