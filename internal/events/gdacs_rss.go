package events

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"vegwatch/internal/external"
	"vegwatch/internal/types"
)

// DefaultGDACSRSSURL is the global GDACS alert feed.
const DefaultGDACSRSSURL = "https://www.gdacs.org/xml/rss.xml"

const gdacsRSSLimit = 500

// GDACSRSS reads the GDACS RSS alert feed. It carries the same events as
// the GDACS API and serves as its fallback.
type GDACSRSS struct {
	base   *external.BaseClient
	url    string
	parser *gofeed.Parser
}

// NewGDACSRSS creates the GDACS RSS provider.
func NewGDACSRSS(base *external.BaseClient, endpoint string) *GDACSRSS {
	if endpoint == "" {
		endpoint = DefaultGDACSRSSURL
	}
	return &GDACSRSS{base: base, url: endpoint, parser: gofeed.NewParser()}
}

func (p *GDACSRSS) Name() string { return SourceGDACSRSS }

// Fetch parses the feed and keeps items published within the query dates
// whose point lies in the bbox. The end date is inclusive of its whole day.
func (p *GDACSRSS) Fetch(ctx context.Context, q Query) (*Result, error) {
	body, err := get(ctx, p.base, p.url, nil)
	if err != nil {
		return nil, err
	}
	feed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "malformed GDACS feed", err)
	}

	var from, until time.Time
	if q.Start != "" {
		from, _ = time.Parse(types.DateLayout, q.Start)
	}
	if q.End != "" {
		end, _ := time.Parse(types.DateLayout, q.End)
		until = end.AddDate(0, 0, 1)
	}

	items := feed.Items
	if len(items) > gdacsRSSLimit {
		items = items[:gdacsRSSLimit]
	}

	res := &Result{Events: []Event{}, Stats: newStats()}
	for i, it := range items {
		res.Stats.Total++

		published := it.PublishedParsed
		if published == nil {
			published = it.UpdatedParsed
		}
		if published != nil {
			if !from.IsZero() && published.Before(from) {
				continue
			}
			if !until.IsZero() && published.After(until) {
				continue
			}
		}

		lon, lat, ok := itemPoint(it.Extensions)
		if !ok {
			continue
		}
		res.Stats.addSample(it.Title, lon, lat, 0)
		if !q.BBox.Contains(lon, lat) {
			continue
		}

		cat := rssCategory(it)
		date := ""
		if published != nil {
			date = published.UTC().Format(time.RFC3339)
		}
		id := it.GUID
		if id == "" {
			id = it.Link
		}
		if id == "" {
			id = "gdacs_" + strconv.Itoa(i+1)
		}
		title := it.Title
		if title == "" {
			title = "GDACS Event"
		}
		res.Events = append(res.Events, Event{
			ID:          id,
			Title:       title,
			Description: strings.TrimSpace(it.Description),
			Link:        it.Link,
			Categories:  []Category{{ID: cat, Title: cat}},
			Geometry:    []Geometry{{Type: "Point", Coordinates: [2]float64{lon, lat}, Date: date}},
			Sources:     []Source{{ID: "GDACS"}},
		})
		res.Stats.InRegion++
		res.Stats.ByCategory[cat]++
	}
	return res, nil
}

func extValue(e ext.Extensions, prefix, name string) string {
	if vals := e[prefix][name]; len(vals) > 0 {
		return strings.TrimSpace(vals[0].Value)
	}
	return ""
}

// itemPoint reads the W3C geo lat/long pair, falling back to georss:point
// ("lat lon").
func itemPoint(e ext.Extensions) (float64, float64, bool) {
	latS, lonS := extValue(e, "geo", "lat"), extValue(e, "geo", "long")
	if latS == "" || lonS == "" {
		parts := strings.Fields(extValue(e, "georss", "point"))
		if len(parts) != 2 {
			return 0, 0, false
		}
		latS, lonS = parts[0], parts[1]
	}
	lat, err1 := strconv.ParseFloat(latS, 64)
	lon, err2 := strconv.ParseFloat(lonS, 64)
	if err1 != nil || err2 != nil || !validLonLat(lon, lat) {
		return 0, 0, false
	}
	return lon, lat, true
}

// rssCategory prefers the gdacs:eventtype code, then keyword matches on the
// item categories, then on the title.
func rssCategory(it *gofeed.Item) string {
	if code := extValue(it.Extensions, "gdacs", "eventtype"); code != "" {
		return gdacsCategory(code)
	}
	for _, c := range it.Categories {
		if id, ok := keywordCategory(c); ok {
			return id
		}
	}
	if id, ok := keywordCategory(it.Title); ok {
		return id
	}
	return "manmade"
}

var categoryKeywords = []struct {
	id    string
	words []string
}{
	{"floods", []string{"flood"}},
	{"severeStorms", []string{"cyclone", "storm", "hurricane", "typhoon"}},
	{"wildfires", []string{"wildfire", "fire"}},
	{"earthquakes", []string{"earthquake"}},
	{"manmade", []string{"volcano"}},
	{"drought", []string{"drought"}},
}

func keywordCategory(text string) (string, bool) {
	text = strings.ToLower(text)
	for _, k := range categoryKeywords {
		for _, w := range k.words {
			if strings.Contains(text, w) {
				return k.id, true
			}
		}
	}
	return "", false
}
