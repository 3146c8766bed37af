// Package events aggregates natural-hazard feeds (NASA EONET, USGS, GDACS and
// NASA FIRMS) into one event contract filtered to a bounding box.
package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"vegwatch/internal/external"
	"vegwatch/internal/types"
	"vegwatch/internal/validation"
)

// Source names accepted by Service.Fetch.
const (
	SourceEONET    = "eonet"
	SourceUSGS     = "usgs"
	SourceGDACS    = "gdacs"
	SourceGDACSRSS = "gdacs-rss"
	SourceFIRMS    = "firms"
	SourceCombined = "combined"
)

// Event statuses understood by EONET.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
	StatusAll    = "all"
)

const (
	// maxSamples bounds Stats.SampleCoordinates per provider.
	maxSamples = 10
	// maxBodyBytes bounds a single feed download.
	maxBodyBytes = 64 << 20
	// nearbyDeg is the distance from the bbox centre under which an
	// out-of-region point counts as nearby (about 500 km).
	nearbyDeg = 4.5
)

// Category is the frontend category of an event.
type Category struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Geometry is one located occurrence of an event. Coordinates is a
// [lon, lat] pair for points and the upstream GeoJSON array otherwise.
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
	Date        string `json:"date,omitempty"`
}

// Source credits the upstream of an event.
type Source struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Event is the common event shape of every provider.
type Event struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Link        string     `json:"link"`
	Categories  []Category `json:"categories"`
	Geometry    []Geometry `json:"geometry"`
	Sources     []Source   `json:"sources"`
	Closed      *string    `json:"closed"`
}

// Sample is a representative coordinate kept for diagnostics.
type Sample struct {
	Title       string     `json:"title"`
	Coords      [2]float64 `json:"coords"`
	DistanceDeg float64    `json:"distance_deg"`
}

// Stats summarises a provider response.
type Stats struct {
	Total             int            `json:"total"`
	InRegion          int            `json:"in_region"`
	Nearby            int            `json:"nearby"`
	ByCategory        map[string]int `json:"by_category"`
	SampleCoordinates []Sample       `json:"sample_coordinates"`
}

func newStats() Stats {
	return Stats{ByCategory: map[string]int{}, SampleCoordinates: []Sample{}}
}

func (s *Stats) addSample(title string, lon, lat, dist float64) {
	if len(s.SampleCoordinates) >= maxSamples {
		return
	}
	s.SampleCoordinates = append(s.SampleCoordinates, Sample{
		Title:       truncateRunes(title, 50),
		Coords:      [2]float64{lon, lat},
		DistanceDeg: types.RoundTo(dist, 2),
	})
}

// Pagination describes the page of events returned.
type Pagination struct {
	Total    int `json:"total"`
	Limit    int `json:"limit"`
	Offset   int `json:"offset"`
	Returned int `json:"returned"`
}

// Result is the response of a feed query.
type Result struct {
	Events     []Event     `json:"events"`
	Stats      Stats       `json:"stats"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Cached     bool        `json:"cached"`
}

// Query selects events. Start and End are optional calendar dates.
type Query struct {
	BBox   types.BBox
	Start  string
	End    string
	Status string
	Limit  int
	Offset int
}

// Provider fetches one feed.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, q Query) (*Result, error)
}

// NewCache returns the TTL cache shared by a Service.
func NewCache(size int, ttl time.Duration) *expirable.LRU[string, Result] {
	if size < 1 {
		size = 1
	}
	return expirable.NewLRU[string, Result](size, nil, ttl)
}

// Service routes queries to providers through a TTL cache.
type Service struct {
	providers   map[string]Provider
	combined    []string
	cache       *expirable.LRU[string, Result]
	defaultBBox types.BBox
	logger      *slog.Logger
}

// NewService creates a Service. cache may be nil to disable caching.
// Combined queries fan out to every provider except GDACS RSS, which
// duplicates the GDACS event list.
func NewService(cache *expirable.LRU[string, Result], defaultBBox types.BBox, logger *slog.Logger, providers ...Provider) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		providers:   make(map[string]Provider, len(providers)),
		cache:       cache,
		defaultBBox: defaultBBox,
		logger:      logger,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
		if p.Name() != SourceGDACSRSS {
			s.combined = append(s.combined, p.Name())
		}
	}
	return s
}

// Sources lists the configured provider names.
func (s *Service) Sources() []string {
	out := make([]string, 0, len(s.providers))
	for name := range s.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalize validates q and fills in the default bbox and status.
func (s *Service) Normalize(q Query) (Query, error) {
	if q.BBox == (types.BBox{}) {
		q.BBox = s.defaultBBox
	}
	q.BBox = types.BBox{
		min(q.BBox[0], q.BBox[2]), min(q.BBox[1], q.BBox[3]),
		max(q.BBox[0], q.BBox[2]), max(q.BBox[1], q.BBox[3]),
	}
	if err := validation.Coordinates(q.BBox[0], q.BBox[1]); err != nil {
		return q, err
	}
	if err := validation.Coordinates(q.BBox[2], q.BBox[3]); err != nil {
		return q, err
	}
	if q.Status == "" {
		q.Status = StatusOpen
	}
	switch q.Status {
	case StatusOpen, StatusClosed, StatusAll:
	default:
		return q, types.NewAppError(types.ErrCodeValidationOutOfRange,
			fmt.Sprintf("status must be one of %s, %s, %s", StatusOpen, StatusClosed, StatusAll), nil)
	}
	for _, d := range [][2]string{{"start", q.Start}, {"end", q.End}} {
		if d[1] == "" {
			continue
		}
		if _, err := validation.ParseDate(d[0], d[1]); err != nil {
			return q, err
		}
	}
	if q.Start != "" && q.End != "" && q.Start > q.End {
		return q, types.NewAppError(types.ErrCodeValidationDateRange, "start must not be after end", nil)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return q, types.NewAppError(types.ErrCodeValidationOutOfRange, "limit and offset must not be negative", nil)
	}
	return q, nil
}

func cacheKey(source string, q Query) string {
	return strings.Join([]string{source, q.BBox.Rounded().String(), q.Start, q.End, q.Status}, "|")
}

// Fetch queries one provider. Results are cached unpaginated; Limit and
// Offset only shape the returned page.
func (s *Service) Fetch(ctx context.Context, source string, q Query) (*Result, error) {
	if source == SourceCombined {
		return s.Combined(ctx, q)
	}
	p, ok := s.providers[source]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationOutOfRange,
			fmt.Sprintf("unknown event source %q", source), nil)
	}
	q, err := s.Normalize(q)
	if err != nil {
		return nil, err
	}

	res, err := s.cached(ctx, cacheKey(source, q), func() (*Result, error) { return p.Fetch(ctx, q) })
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 || q.Offset > 0 {
		res = paginate(res, q.Limit, q.Offset)
	}
	return res, nil
}

// Combined fans out to every provider concurrently. A failing provider is
// logged and skipped; the call fails only when every provider failed.
func (s *Service) Combined(ctx context.Context, q Query) (*Result, error) {
	q, err := s.Normalize(q)
	if err != nil {
		return nil, err
	}
	return s.cached(ctx, cacheKey(SourceCombined, q), func() (*Result, error) {
		results := make([]*Result, len(s.combined))
		errs := make([]error, len(s.combined))

		var g errgroup.Group
		for i, name := range s.combined {
			g.Go(func() error {
				results[i], errs[i] = s.providers[name].Fetch(ctx, q)
				if errs[i] != nil {
					s.logger.WarnContext(ctx, "event provider failed",
						"provider", name, "error", errs[i])
				}
				return nil
			})
		}
		_ = g.Wait()

		merged := &Result{Events: []Event{}, Stats: newStats()}
		failed := 0
		for i, r := range results {
			if errs[i] != nil || r == nil {
				failed++
				continue
			}
			merged.Events = append(merged.Events, r.Events...)
			merged.Stats.Total += r.Stats.Total
			merged.Stats.InRegion += r.Stats.InRegion
			merged.Stats.Nearby += r.Stats.Nearby
			for k, v := range r.Stats.ByCategory {
				merged.Stats.ByCategory[k] += v
			}
		}
		if failed > 0 && failed == len(s.combined) {
			return nil, errs[0]
		}
		if len(merged.Stats.ByCategory) == 0 {
			for _, ev := range merged.Events {
				id := "manmade"
				if len(ev.Categories) > 0 {
					id = ev.Categories[0].ID
				}
				merged.Stats.ByCategory[id]++
			}
		}
		s.logger.InfoContext(ctx, "combined events loaded",
			"providers", len(s.combined), "failed", failed, "events", len(merged.Events))
		return merged, nil
	})
}

func (s *Service) cached(ctx context.Context, key string, fetch func() (*Result, error)) (*Result, error) {
	if s.cache != nil {
		if r, ok := s.cache.Get(key); ok {
			s.logger.DebugContext(ctx, "events cache hit", "key", key)
			r.Cached = true
			return &r, nil
		}
	}
	res, err := fetch()
	if err != nil {
		return nil, err
	}
	res.Cached = false
	if s.cache != nil {
		s.cache.Add(key, *res)
	}
	return res, nil
}

func paginate(r *Result, limit, offset int) *Result {
	out := *r
	total := len(r.Events)
	start := min(offset, total)
	end := total
	if limit > 0 {
		end = min(start+limit, total)
	}
	out.Events = r.Events[start:end]
	out.Pagination = &Pagination{Total: total, Limit: limit, Offset: offset, Returned: end - start}
	return &out
}

// ---- HTTP helpers ----

// get issues a GET through base and returns the body of a 200 response.
func get(ctx context.Context, base *external.BaseClient, rawURL string, params url.Values) ([]byte, error) {
	u := rawURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build feed request", err)
	}
	resp, err := base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "failed to read feed response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, external.ClassifyResponse(base.Provider(), resp.StatusCode, body)
	}
	return body, nil
}

func validLonLat(lon, lat float64) bool {
	return types.InRange(lon, types.MinLon, types.MaxLon) && types.InRange(lat, types.MinLat, types.MaxLat)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// isoDate renders a calendar date as midnight UTC in RFC 3339.
func isoDate(d string) string {
	t, err := time.Parse(types.DateLayout, d)
	if err != nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
