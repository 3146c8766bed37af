// Package analytics reduces provider timelines to aggregate statistics and
// linear trends, and classifies indicator values against fixed tables.
package analytics

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"vegwatch/internal/types"
)

// MinTrendPoints is the number of non-null observations a trend needs.
const MinTrendPoints = 3

// Rounding applied to reported values per indicator family.
const (
	ndviValueDigits   = 3
	bioparValueDigits = 4
	ndviSlopeDigits   = 5
	bioparSlopeDigits = 6
	rSquaredDigits    = 3
	pValueDigits      = 4
)

// ValueDigits is the number of decimals reported for ind's values.
func ValueDigits(ind types.Indicator) int {
	if ind == types.IndicatorNDVI {
		return ndviValueDigits
	}
	return bioparValueDigits
}

// Summarize computes the aggregate statistics and trend of the non-null
// observations. A timeline without any value is a no-data condition.
func Summarize(t types.Timeline, ind types.Indicator) (types.Summary, error) {
	agg, err := Aggregate(t, ind)
	if err != nil {
		return types.Summary{}, err
	}
	return types.Summary{Aggregate: agg, Trend: Trend(t, ind)}, nil
}

// Aggregate computes mean, median, population std, min and max over the
// non-null means, rounded for ind.
func Aggregate(t types.Timeline, ind types.Indicator) (types.AggregateStats, error) {
	values := stats.Float64Data(t.NonNullMeans())
	if len(values) == 0 {
		return types.AggregateStats{}, types.NewAppError(types.ErrCodeNoData,
			"all observations are masked by clouds or have no data", nil)
	}

	mean, err := values.Mean()
	if err != nil {
		return types.AggregateStats{}, statsErr(err)
	}
	median, err := values.Median()
	if err != nil {
		return types.AggregateStats{}, statsErr(err)
	}
	std, err := values.StandardDeviationPopulation()
	if err != nil {
		return types.AggregateStats{}, statsErr(err)
	}
	lo, err := values.Min()
	if err != nil {
		return types.AggregateStats{}, statsErr(err)
	}
	hi, err := values.Max()
	if err != nil {
		return types.AggregateStats{}, statsErr(err)
	}

	dp := ValueDigits(ind)
	return types.AggregateStats{
		Mean:   types.RoundTo(mean, dp),
		Median: types.RoundTo(median, dp),
		Std:    types.RoundTo(std, dp),
		Min:    types.RoundTo(lo, dp),
		Max:    types.RoundTo(hi, dp),
		Count:  len(values),
	}, nil
}

// Percentiles returns the fixed percentile set over raw values. Nil when
// values is empty.
func Percentiles(values []float64) *types.Percentiles {
	if len(values) == 0 {
		return nil
	}
	data := stats.Float64Data(values)
	get := func(p float64) *float64 {
		v, err := data.Percentile(p)
		if err != nil {
			return nil
		}
		return types.Float(v)
	}
	return &types.Percentiles{P10: get(10), P25: get(25), P50: get(50), P75: get(75), P90: get(90)}
}

// Trend fits mean against timeline position by ordinary least squares.
// Null windows are skipped but keep their position, so gaps do not compress
// the time axis. Fewer than MinTrendPoints values yield the
// insufficient_data sentinel: slope 0, r² 0, p 1.
func Trend(t types.Timeline, ind types.Indicator) types.TrendResult {
	xs, ys := t.IndexedMeans()
	if len(ys) < MinTrendPoints {
		return types.TrendResult{
			Direction:   types.TrendInsufficientData,
			Slope:       0,
			RSquared:    0,
			PValue:      1,
			Description: "Insufficient data for trend analysis",
		}
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		// Constant series: no variance to explain.
		r2 = 0
	}
	p := slopePValue(r2, len(ys), beta)

	direction := types.TrendStable
	if math.Abs(beta) >= ind.StableEpsilon() {
		direction = types.TrendIncreasing
		if beta < 0 {
			direction = types.TrendDecreasing
		}
	}

	slopeDigits := bioparSlopeDigits
	if ind == types.IndicatorNDVI {
		slopeDigits = ndviSlopeDigits
	}
	r2 = types.RoundTo(r2, rSquaredDigits)

	return types.TrendResult{
		Direction:   direction,
		Slope:       types.RoundTo(beta, slopeDigits),
		RSquared:    r2,
		PValue:      types.RoundTo(p, pValueDigits),
		Description: fmt.Sprintf("%s %s (R²=%.3f)", ind, direction, r2),
	}
}

// slopePValue is the two-sided p-value of the t-test for a zero slope with
// n-2 degrees of freedom.
func slopePValue(r2 float64, n int, slope float64) float64 {
	df := float64(n - 2)
	if df <= 0 || slope == 0 {
		return 1
	}
	if r2 >= 1 {
		return 0
	}
	tStat := math.Sqrt(r2 * df / (1 - r2))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * (1 - dist.CDF(tStat))
	return math.Max(0, math.Min(1, p))
}

func statsErr(err error) error {
	return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compute statistics", err)
}
