package vegetation

import (
	"context"
	"fmt"
	"time"

	"vegwatch/internal/analytics"
	"vegwatch/internal/evalscript"
	"vegwatch/internal/types"
	"vegwatch/internal/validation"
)

// ReportQuery asks for a field report over the periodDays days ending at Date.
type ReportQuery struct {
	Geometry         types.Geometry
	Date             string
	PeriodDays       int
	Indicator        types.Indicator
	MaxCloudCoverage *float64
}

// ReportSummary is the headline of a report.
type ReportSummary struct {
	Overall    types.Classification `json:"overall"`
	Trend      types.TrendResult    `json:"trend"`
	Statistics types.AggregateStats `json:"statistics"`
}

// Report is an agronomic assessment of one indicator over a period.
type Report struct {
	Indicator         types.Indicator  `json:"indicator"`
	Region            string           `json:"region"`
	Date              string           `json:"date"`
	Period            types.DateRange  `json:"period"`
	Summary           ReportSummary    `json:"summary"`
	Timeline          types.Timeline   `json:"timeline"`
	Recommendations   []string         `json:"recommendations"`
	Zones             []analytics.Zone `json:"zones,omitempty"`
	TotalObservations int              `json:"total_observations"`
	BBox              types.BBox       `json:"bbox"`
	GeneratedAt       time.Time        `json:"generated_at"`
	Cached            bool             `json:"cached"`
}

// Report builds the assessment for rq. NDVI reports also list the
// agricultural zones the area overlaps.
func (s *Service) Report(ctx context.Context, rq ReportQuery) (*Report, error) {
	if rq.Date == "" {
		rq.Date = validation.Today(s.now())
	}
	if rq.PeriodDays == 0 {
		rq.PeriodDays = DefaultReportPeriodDays
	}
	if rq.PeriodDays < 1 || rq.PeriodDays > s.cfg.MaxDateRangeDays {
		return nil, types.NewAppError(types.ErrCodeValidationOutOfRange,
			fmt.Sprintf("period_days must be between 1 and %d", s.cfg.MaxDateRangeDays), nil)
	}
	start, end, err := validation.PeriodEnding(rq.Date, rq.PeriodDays)
	if err != nil {
		return nil, err
	}

	q := Query{
		Geometry:         rq.Geometry,
		Start:            start,
		End:              end,
		Indicator:        rq.Indicator,
		MaxCloudCoverage: rq.MaxCloudCoverage,
	}
	if err := s.validate(&q); err != nil {
		return nil, err
	}
	name, err := cacheName(q, KindReport, evalscript.Version(q.Indicator), map[string]any{
		"aggregation_days":   q.AggregationDays,
		"max_cloud_coverage": *q.MaxCloudCoverage,
	})
	if err != nil {
		return nil, err
	}

	rep, hit, err := cachedJSON(ctx, s, KindReport, name, s.cfg.ReportTTL, func(ctx context.Context) (Report, error) {
		st, err := s.Statistics(ctx, q)
		if err != nil {
			return Report{}, err
		}
		agg := st.Statistics.AggregateStats
		r := Report{
			Indicator: q.Indicator,
			Region:    analytics.Region,
			Date:      rq.Date,
			Period:    q.period(),
			Summary: ReportSummary{
				Overall:    st.Statistics.Status,
				Trend:      st.Statistics.Trend,
				Statistics: agg,
			},
			Timeline:          st.Timeline,
			Recommendations:   analytics.Recommend(q.Indicator, agg, st.Statistics.Trend),
			TotalObservations: st.Statistics.TotalObservations,
			BBox:              q.Geometry.BBox,
			GeneratedAt:       s.now().UTC(),
		}
		if q.Indicator == types.IndicatorNDVI {
			r.Zones = analytics.AgriculturalZones(q.Geometry.BBox)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	rep.Cached = hit
	return &rep, nil
}
