// Package vegetation orchestrates NDVI and BIOPAR queries.
//
// Every operation follows the same flow: validate the query, pick a pixel
// grid, derive the cache name, and on a miss fetch from the provider, reduce
// the response and persist the result. Identical in-flight fetches within the
// process share one upstream call, which keeps running when the caller that
// started it goes away.
package vegetation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"vegwatch/internal/cachekey"
	"vegwatch/internal/cachestore"
	"vegwatch/internal/external"
	"vegwatch/internal/jobs"
	"vegwatch/internal/resolution"
	"vegwatch/internal/types"
	"vegwatch/internal/validation"
)

// Defaults applied when a Config field is zero.
const (
	// DefaultNDVIAggregationDays is the statistics window for NDVI queries.
	DefaultNDVIAggregationDays = 5
	// DefaultBioparAggregationDays is the statistics window for BIOPAR queries.
	DefaultBioparAggregationDays = 10
	// DefaultTargetMPP is the ground resolution used for statistics grids.
	DefaultTargetMPP = 60.0
	// DefaultMaxCloudCoverage is the scene cloud filter in percent.
	DefaultMaxCloudCoverage = 50.0
	// DefaultReportPeriodDays is the look-back of a report.
	DefaultReportPeriodDays = 30
	// DefaultWindowConcurrency bounds parallel openEO window requests.
	DefaultWindowConcurrency = 2
	// DefaultJobTimeout bounds one background raster job.
	DefaultJobTimeout = 15 * time.Minute

	mosaickLeastCC     = "leastCC"
	mosaickMostRecent  = "mostRecent"
	mosaickLeastRecent = "leastRecent"
)

// Cache kinds folded into artifact names.
const (
	KindStats      = "stats"
	KindHistogram  = "histogram"
	KindTimeseries = "timeseries"
	KindReport     = "report"
)

// Job types registered with the tracker.
const (
	JobTypeNDVIGeoTIFF   = "ndvi_geotiff"
	JobTypeBioparGeoTIFF = "biopar_geotiff"
)

// SentinelHubClient is the subset of the Processing and Statistical API
// client used here.
type SentinelHubClient interface {
	Process(ctx context.Context, r external.ProcessRequest) ([]byte, error)
	Statistics(ctx context.Context, r external.StatisticsRequest) (types.Timeline, error)
	Histogram(ctx context.Context, r external.HistogramRequest) (*external.Histogram, error)
}

// OpenEOClient computes CCC and CWC through openEO.
type OpenEOClient interface {
	Mean(ctx context.Context, g types.Geometry, start, end string, ind types.Indicator) (*float64, error)
	Raster(ctx context.Context, g types.Geometry, start, end string, ind types.Indicator) ([]byte, error)
}

// CacheRecorder observes cache lookups. result is "hit" or "miss".
type CacheRecorder interface {
	CacheLookup(kind, result string)
}

type nopCacheRecorder struct{}

func (nopCacheRecorder) CacheLookup(string, string) {}

// Config holds the tunables of the service.
type Config struct {
	NDVILimits       resolution.Limits
	BioparLimits     resolution.Limits
	NDVITargetMPP    float64
	BioparTargetMPP  float64
	MaxCloudCoverage float64
	MaxDateRangeDays int
	MaxImagePixels   int

	GeoTIFFTTL    time.Duration
	StatsTTL      time.Duration
	TimeseriesTTL time.Duration
	ReportTTL     time.Duration

	WindowConcurrency int
	JobTimeout        time.Duration
	// FilesPath prefixes artifact URLs returned to clients.
	FilesPath string
}

func (c Config) withDefaults() Config {
	if c.NDVITargetMPP <= 0 {
		c.NDVITargetMPP = DefaultTargetMPP
	}
	if c.BioparTargetMPP <= 0 {
		c.BioparTargetMPP = DefaultTargetMPP
	}
	if c.MaxCloudCoverage <= 0 {
		c.MaxCloudCoverage = DefaultMaxCloudCoverage
	}
	if c.MaxDateRangeDays <= 0 {
		c.MaxDateRangeDays = types.MaxDateRangeDays
	}
	if c.MaxImagePixels <= 0 {
		c.MaxImagePixels = types.MaxImagePixels
	}
	if c.WindowConcurrency <= 0 {
		c.WindowConcurrency = DefaultWindowConcurrency
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.FilesPath == "" {
		c.FilesPath = "/api/v1/files/"
	}
	return c
}

// Service answers vegetation queries.
type Service struct {
	cfg     Config
	sh      SentinelHubClient
	openeo  OpenEOClient
	store   *cachestore.Store
	tracker *jobs.Tracker

	flight   singleflight.Group
	jobsWG   sync.WaitGroup
	recorder CacheRecorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for date validation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCacheRecorder reports cache hits and misses.
func WithCacheRecorder(r CacheRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService wires the service. openeo may be nil, in which case CCC and CWC
// queries fail as upstream unavailable.
func NewService(cfg Config, sh SentinelHubClient, openeo OpenEOClient, store *cachestore.Store, tracker *jobs.Tracker, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		sh:       sh,
		openeo:   openeo,
		store:    store,
		tracker:  tracker,
		recorder: nopCacheRecorder{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    newJobID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query selects an indicator over an area and an inclusive date range.
type Query struct {
	Geometry  types.Geometry
	Start     string
	End       string
	Indicator types.Indicator
	// AggregationDays is the window length; zero selects the indicator default.
	AggregationDays int
	// MaxCloudCoverage in percent; nil selects the configured default.
	MaxCloudCoverage *float64
}

func (q Query) period() types.DateRange {
	return types.DateRange{Start: q.Start, End: q.End}
}

// validate checks q and fills in defaults.
func (s *Service) validate(q *Query) error {
	if !q.Indicator.Valid() {
		return types.NewAppError(types.ErrCodeValidationIndicator,
			fmt.Sprintf("unsupported indicator %q", q.Indicator), nil)
	}
	if err := validation.BBox(q.Geometry.BBox); err != nil {
		return err
	}
	if err := validation.DateRange(q.Start, q.End, s.cfg.MaxDateRangeDays, s.now()); err != nil {
		return err
	}
	if q.AggregationDays == 0 {
		q.AggregationDays = DefaultNDVIAggregationDays
		if q.Indicator.IsBiopar() {
			q.AggregationDays = DefaultBioparAggregationDays
		}
	}
	if err := validation.AggregationDays(q.AggregationDays); err != nil {
		return err
	}
	if q.MaxCloudCoverage == nil {
		q.MaxCloudCoverage = types.Float(s.cfg.MaxCloudCoverage)
	}
	return validation.CloudCoverage(*q.MaxCloudCoverage)
}

// grid picks the statistics grid for ind over b.
func (s *Service) grid(b types.BBox, ind types.Indicator, targetMPP float64) resolution.Grid {
	limits, target := s.cfg.NDVILimits, s.cfg.NDVITargetMPP
	if ind.IsBiopar() {
		limits, target = s.cfg.BioparLimits, s.cfg.BioparTargetMPP
	}
	if targetMPP > 0 {
		target = targetMPP
	}
	return resolution.Choose(b, target, limits)
}

// cachedJSON returns the entry name when it is fresh, otherwise runs fetch
// once per name across concurrent callers and persists its result.
// The bool reports a cache hit.
func cachedJSON[T any](ctx context.Context, s *Service, kind, name string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, bool, error) {
	var out T
	ok, err := s.store.ReadJSON(name, ttl, &out)
	if err != nil {
		s.logger.WarnContext(ctx, "cache read failed, refetching", "name", name, "error", err)
	}
	if ok {
		s.recorder.CacheLookup(kind, "hit")
		return out, true, nil
	}
	s.recorder.CacheLookup(kind, "miss")

	v, shared, err := s.share(ctx, name, func(ctx context.Context) (any, error) {
		res, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.store.WriteJSON(ctx, name, res); err != nil {
			// The result is still good; the next request refetches.
			s.logger.ErrorContext(ctx, "failed to persist cache entry", "name", name, "error", err)
		}
		return res, nil
	})
	if err != nil {
		return out, false, err
	}
	if shared {
		s.logger.DebugContext(ctx, "shared in-flight fetch", "name", name)
	}
	return v.(T), false, nil
}

// share runs fn once per key across concurrent callers. fn gets a context
// detached from any single caller and bounded by JobTimeout; each caller
// stops waiting when its own ctx is done.
func (s *Service) share(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, bool, error) {
	ch := s.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.JobTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	case <-ctx.Done():
		return nil, false, abandoned(ctx.Err())
	}
}

func abandoned(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "request deadline exceeded while waiting for upstream", err)
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, "request cancelled while waiting for upstream", err)
}

// roundTimeline returns a copy of t with every value rounded to dp digits.
func roundTimeline(t types.Timeline, dp int) types.Timeline {
	round := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		return types.Float(types.RoundTo(*p, dp))
	}
	out := make(types.Timeline, len(t))
	for i, o := range t {
		o.Mean, o.Min, o.Max, o.Std = round(o.Mean), round(o.Min), round(o.Max), round(o.Std)
		if o.Percentiles != nil {
			p := *o.Percentiles
			p.P10, p.P25, p.P50, p.P75, p.P90 = round(p.P10), round(p.P25), round(p.P50), round(p.P75), round(p.P90)
			o.Percentiles = &p
		}
		out[i] = o
	}
	return out
}

func cacheName(q Query, kind, version string, params map[string]any) (string, error) {
	name, err := cachekey.Filename(cachekey.Request{
		Geometry:  q.Geometry,
		Start:     q.Start,
		End:       q.End,
		Indicator: q.Indicator,
		Kind:      kind,
		Version:   version,
		Params:    params,
	}, cachekey.ExtJSON)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to derive cache key", err)
	}
	return name, nil
}
