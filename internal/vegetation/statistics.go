package vegetation

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"vegwatch/internal/analytics"
	"vegwatch/internal/evalscript"
	"vegwatch/internal/external"
	"vegwatch/internal/types"
	"vegwatch/internal/validation"
)

// StatisticsSummary is the reduction of a timeline.
type StatisticsSummary struct {
	types.AggregateStats
	TotalObservations int                  `json:"total_observations"`
	Trend             types.TrendResult    `json:"trend"`
	Status            types.Classification `json:"status"`
}

// StatisticsResult is the response of a statistics query.
type StatisticsResult struct {
	Indicator         types.Indicator   `json:"indicator"`
	Statistics        StatisticsSummary `json:"statistics"`
	Timeline          types.Timeline    `json:"timeline"`
	ProductsAvailable int               `json:"products_available"`
	AggregationDays   int               `json:"aggregation_days"`
	BBox              types.BBox        `json:"bbox"`
	Period            types.DateRange   `json:"period"`
	Cached            bool              `json:"cached"`
}

// SeriesPoint is one aggregation window of a timeseries.
type SeriesPoint struct {
	Date   string          `json:"date"`
	Value  *float64        `json:"value"`
	Window types.DateRange `json:"aggregation_window"`
	Error  string          `json:"error,omitempty"`
}

// TimeseriesResult is the response of a timeseries query.
type TimeseriesResult struct {
	Indicator       types.Indicator   `json:"indicator"`
	Series          []SeriesPoint     `json:"series"`
	Trend           types.TrendResult `json:"trend"`
	ValidPoints     int               `json:"valid_points"`
	AggregationDays int               `json:"aggregation_days"`
	BBox            types.BBox        `json:"bbox"`
	Period          types.DateRange   `json:"period"`
	Cached          bool              `json:"cached"`
}

// HistogramResult is the response of a histogram query.
type HistogramResult struct {
	analytics.HistogramResult
	BBox   types.BBox      `json:"bbox"`
	Period types.DateRange `json:"period"`
	Cached bool            `json:"cached"`
}

// windowSeries is the raw per-window data behind timeseries and statistics.
type windowSeries struct {
	Timeline types.Timeline
	Windows  []types.DateRange
	Errors   []string
}

// Statistics aggregates q.Indicator over the query period. Windows without
// valid pixels stay in the timeline as null observations.
func (s *Service) Statistics(ctx context.Context, q Query) (*StatisticsResult, error) {
	if err := s.validate(&q); err != nil {
		return nil, err
	}
	name, err := cacheName(q, KindStats, evalscript.Version(q.Indicator), map[string]any{
		"aggregation_days":   q.AggregationDays,
		"max_cloud_coverage": *q.MaxCloudCoverage,
	})
	if err != nil {
		return nil, err
	}

	res, hit, err := cachedJSON(ctx, s, KindStats, name, s.cfg.StatsTTL, func(ctx context.Context) (StatisticsResult, error) {
		series, err := s.windowSeries(ctx, q)
		if err != nil {
			return StatisticsResult{}, err
		}
		return s.reduce(q, series.Timeline)
	})
	if err != nil {
		return nil, err
	}
	res.Cached = hit
	return &res, nil
}

func (s *Service) reduce(q Query, timeline types.Timeline) (StatisticsResult, error) {
	summary, err := analytics.Summarize(timeline, q.Indicator)
	if err != nil {
		return StatisticsResult{}, err
	}
	return StatisticsResult{
		Indicator: q.Indicator,
		Statistics: StatisticsSummary{
			AggregateStats:    summary.Aggregate,
			TotalObservations: summary.Aggregate.Count,
			Trend:             summary.Trend,
			Status:            analytics.Classify(q.Indicator, summary.Aggregate.Mean),
		},
		Timeline:          roundTimeline(timeline, analytics.ValueDigits(q.Indicator)),
		ProductsAvailable: len(timeline),
		AggregationDays:   q.AggregationDays,
		BBox:              q.Geometry.BBox,
		Period:            q.period(),
	}, nil
}

// Timeseries returns one point per aggregation window with its trend.
func (s *Service) Timeseries(ctx context.Context, q Query) (*TimeseriesResult, error) {
	if err := s.validate(&q); err != nil {
		return nil, err
	}
	name, err := cacheName(q, KindTimeseries, evalscript.Version(q.Indicator), map[string]any{
		"aggregation_days":   q.AggregationDays,
		"max_cloud_coverage": *q.MaxCloudCoverage,
	})
	if err != nil {
		return nil, err
	}

	res, hit, err := cachedJSON(ctx, s, KindTimeseries, name, s.cfg.TimeseriesTTL, func(ctx context.Context) (TimeseriesResult, error) {
		series, err := s.windowSeries(ctx, q)
		if err != nil {
			return TimeseriesResult{}, err
		}
		if series.Timeline.ValidCount() == 0 {
			return TimeseriesResult{}, types.NewAppError(types.ErrCodeNoData,
				fmt.Sprintf("no valid %s observations for %s", q.Indicator, q.period()), nil)
		}

		dp := analytics.ValueDigits(q.Indicator)
		points := make([]SeriesPoint, len(series.Timeline))
		for i, o := range series.Timeline {
			p := SeriesPoint{Date: o.Date, Window: series.Windows[i], Error: series.Errors[i]}
			if o.Mean != nil {
				p.Value = types.Float(types.RoundTo(*o.Mean, dp))
			}
			points[i] = p
		}
		return TimeseriesResult{
			Indicator:       q.Indicator,
			Series:          points,
			Trend:           analytics.Trend(series.Timeline, q.Indicator),
			ValidPoints:     series.Timeline.ValidCount(),
			AggregationDays: q.AggregationDays,
			BBox:            q.Geometry.BBox,
			Period:          q.period(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	res.Cached = hit
	return &res, nil
}

// windowSeries fetches the per-window timeline from whichever provider
// serves q.Indicator.
func (s *Service) windowSeries(ctx context.Context, q Query) (windowSeries, error) {
	if q.Indicator.UsesOpenEO() {
		return s.openEOSeries(ctx, q)
	}

	script, err := evalscript.Statistics(q.Indicator)
	if err != nil {
		return windowSeries{}, err
	}
	g := s.grid(q.Geometry.BBox, q.Indicator, 0)
	timeline, err := s.sh.Statistics(ctx, external.StatisticsRequest{
		Geometry:         q.Geometry,
		Start:            q.Start,
		End:              q.End,
		AggregationDays:  q.AggregationDays,
		Width:            g.Width,
		Height:           g.Height,
		MaxCloudCoverage: *q.MaxCloudCoverage,
		Evalscript:       script,
		OutputID:         evalscript.OutputID(q.Indicator),
	})
	if err != nil {
		return windowSeries{}, err
	}

	out := windowSeries{
		Timeline: timeline,
		Windows:  make([]types.DateRange, len(timeline)),
		Errors:   make([]string, len(timeline)),
	}
	for i, o := range timeline {
		out.Windows[i] = windowEnding(o.Date, q.Start, q.AggregationDays)
	}
	return out, nil
}

// openEOSeries requests one synchronous openEO mean per window. A window that
// fails is kept as a null observation carrying its error; the series fails
// only when every window failed for a reason other than missing data.
func (s *Service) openEOSeries(ctx context.Context, q Query) (windowSeries, error) {
	if s.openeo == nil {
		return windowSeries{}, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s requires openEO, which is not configured", q.Indicator), nil)
	}
	windows, err := validation.IterDateWindows(q.Start, q.End, q.AggregationDays)
	if err != nil {
		return windowSeries{}, err
	}

	out := windowSeries{
		Timeline: make(types.Timeline, len(windows)),
		Windows:  make([]types.DateRange, len(windows)),
		Errors:   make([]string, len(windows)),
	}
	errs := make([]error, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WindowConcurrency)
	for i, w := range windows {
		out.Windows[i] = types.DateRange{Start: w.Start, End: w.End}
		out.Timeline[i] = types.Observation{Date: w.End}
		g.Go(func() error {
			mean, err := s.openeo.Mean(gctx, q.Geometry, w.Start, w.End, q.Indicator)
			if err != nil {
				errs[i] = err
				s.logger.WarnContext(ctx, "openEO window failed",
					"indicator", q.Indicator, "start", w.Start, "end", w.End, "error", err)
				return nil
			}
			out.Timeline[i].Mean = mean
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return windowSeries{}, err
	}

	var firstHard error
	hard := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		out.Errors[i] = err.Error()
		if !types.IsKind(err, types.KindNoData) {
			hard++
			if firstHard == nil {
				firstHard = err
			}
		}
	}
	if hard == len(windows) {
		return windowSeries{}, firstHard
	}
	return out, nil
}

// windowEnding returns the window of days days ending at date, clipped to
// start.
func windowEnding(date, start string, days int) types.DateRange {
	from, _, err := validation.PeriodEnding(date, days)
	if err != nil {
		return types.DateRange{Start: date, End: date}
	}
	if from < start {
		from = start
	}
	return types.DateRange{Start: from, End: date}
}

// Histogram returns the NDVI pixel distribution over the whole period.
// A nil edges slice selects analytics.DefaultNDVIBins.
func (s *Service) Histogram(ctx context.Context, q Query, edges []float64) (*HistogramResult, error) {
	q.Indicator = types.IndicatorNDVI
	if err := s.validate(&q); err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		edges = analytics.DefaultNDVIBins
	}
	name, err := cacheName(q, KindHistogram, evalscript.Version(q.Indicator), map[string]any{
		"bins":               edges,
		"max_cloud_coverage": *q.MaxCloudCoverage,
	})
	if err != nil {
		return nil, err
	}

	res, hit, err := cachedJSON(ctx, s, KindHistogram, name, s.cfg.StatsTTL, func(ctx context.Context) (HistogramResult, error) {
		script, err := evalscript.Statistics(q.Indicator)
		if err != nil {
			return HistogramResult{}, err
		}
		g := s.grid(q.Geometry.BBox, q.Indicator, 0)
		h, err := s.sh.Histogram(ctx, external.HistogramRequest{
			Geometry:         q.Geometry,
			Start:            q.Start,
			End:              q.End,
			Width:            g.Width,
			Height:           g.Height,
			MaxCloudCoverage: *q.MaxCloudCoverage,
			Evalscript:       script,
			OutputID:         evalscript.OutputID(q.Indicator),
			Edges:            edges,
		})
		if err != nil {
			return HistogramResult{}, err
		}
		raw := make([]analytics.RawBin, len(h.Bins))
		for i, b := range h.Bins {
			raw[i] = analytics.RawBin{Low: b.Low, High: b.High, Count: b.Count}
		}
		return HistogramResult{
			HistogramResult: analytics.ShapeHistogram(raw, h.Overflow, h.Underflow),
			BBox:            q.Geometry.BBox,
			Period:          q.period(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	res.Cached = hit
	return &res, nil
}
