package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"

	"vegwatch/internal/external"
	"vegwatch/internal/types"
)

// DefaultEONETURL is the NASA EONET v3 events endpoint.
const DefaultEONETURL = "https://eonet.gsfc.nasa.gov/api/v3/events"

const eonetFetchLimit = 1500

// eonetCategories maps EONET category titles to frontend category ids.
var eonetCategories = map[string]string{
	"Drought":              "drought",
	"Dust and Haze":        "dustHaze",
	"Earthquakes":          "earthquakes",
	"Floods":               "floods",
	"Landslides":           "landslides",
	"Manmade":              "manmade",
	"Sea and Lake Ice":     "seaLakeIce",
	"Severe Storms":        "severeStorms",
	"Snow":                 "snow",
	"Temperature Extremes": "tempExtremes",
	"Water Color":          "waterColor",
	"Wildfires":            "wildfires",
	"Volcanoes":            "manmade",
}

func eonetCategory(title string) string {
	if id, ok := eonetCategories[title]; ok {
		return id
	}
	return "manmade"
}

// EONET reads the NASA Earth Observatory Natural Event Tracker.
type EONET struct {
	base *external.BaseClient
	url  string
}

// NewEONET creates the EONET provider. An empty endpoint selects
// DefaultEONETURL.
func NewEONET(base *external.BaseClient, endpoint string) *EONET {
	if endpoint == "" {
		endpoint = DefaultEONETURL
	}
	return &EONET{base: base, url: endpoint}
}

func (p *EONET) Name() string { return SourceEONET }

type eonetResponse struct {
	Events []eonetEvent `json:"events"`
}

type eonetEvent struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Link        string  `json:"link"`
	Closed      *string `json:"closed"`
	Categories  []struct {
		Title string `json:"title"`
	} `json:"categories"`
	Sources  []Source `json:"sources"`
	Geometry []struct {
		Type        string          `json:"type"`
		Date        string          `json:"date"`
		Coordinates json.RawMessage `json:"coordinates"`
	} `json:"geometry"`
}

// Fetch returns events whose points fall inside the bbox. Points within
// nearbyDeg of the bbox centre are counted as nearby but not returned.
// Polygon and line geometries are kept as published.
func (p *EONET) Fetch(ctx context.Context, q Query) (*Result, error) {
	params := url.Values{}
	params.Set("status", q.Status)
	params.Set("limit", strconv.Itoa(eonetFetchLimit))
	params.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", q.BBox[0], q.BBox[3], q.BBox[2], q.BBox[1]))
	if q.Start != "" {
		params.Set("start", q.Start)
	}
	if q.End != "" {
		params.Set("end", q.End)
	}

	body, err := get(ctx, p.base, p.url, params)
	if err != nil {
		return nil, err
	}
	var resp eonetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "malformed EONET response", err)
	}

	cx, cy := q.BBox.Center()
	res := &Result{Events: []Event{}, Stats: newStats()}
	res.Stats.Total = len(resp.Events)

	for _, ev := range resp.Events {
		var geoms []Geometry
		nearest := math.Inf(1)
		var nearLon, nearLat float64

		for _, g := range ev.Geometry {
			if g.Type != "Point" {
				geoms = append(geoms, Geometry{Type: g.Type, Coordinates: g.Coordinates, Date: g.Date})
				continue
			}
			var c []float64
			if err := json.Unmarshal(g.Coordinates, &c); err != nil || len(c) < 2 || !validLonLat(c[0], c[1]) {
				continue
			}
			lon, lat := c[0], c[1]
			dist := math.Hypot(lon-cx, lat-cy)
			if dist < nearest {
				nearest, nearLon, nearLat = dist, lon, lat
			}
			switch {
			case q.BBox.Contains(lon, lat):
				geoms = append(geoms, Geometry{Type: "Point", Coordinates: [2]float64{lon, lat}, Date: g.Date})
			case dist < nearbyDeg:
				res.Stats.Nearby++
			}
		}
		if !math.IsInf(nearest, 1) {
			res.Stats.addSample(ev.Title, nearLon, nearLat, nearest)
		}
		if len(geoms) == 0 {
			continue
		}

		cats := make([]Category, 0, len(ev.Categories))
		for _, c := range ev.Categories {
			cats = append(cats, Category{ID: eonetCategory(c.Title), Title: c.Title})
		}
		if len(cats) == 0 {
			cats = append(cats, Category{ID: "manmade", Title: "Manmade"})
		}
		title := ev.Title
		if title == "" {
			title = "Untitled Event"
		}
		sources := ev.Sources
		if sources == nil {
			sources = []Source{}
		}

		res.Events = append(res.Events, Event{
			ID:          ev.ID,
			Title:       title,
			Description: ev.Description,
			Link:        ev.Link,
			Categories:  cats,
			Geometry:    geoms,
			Sources:     sources,
			Closed:      ev.Closed,
		})
		res.Stats.InRegion++
		res.Stats.ByCategory[cats[0].ID]++
	}
	return res, nil
}
