package types

import "time"

// Validation constraint constants.
const (
	MinLat = -90.0
	MaxLat = 90.0
	MinLon = -180.0
	MaxLon = 180.0

	// MaxBBoxAreaDeg2 bounds Δlon×Δlat for a single query.
	MaxBBoxAreaDeg2 = 100.0
	// MaxDateRangeDays bounds the inclusive span of a date range.
	MaxDateRangeDays = 365
	MinCloudCoverage = 0.0
	MaxCloudCoverage = 100.0
	MinAggregateDays = 3
	MaxAggregateDays = 30
	MaxImagePixels   = 16_000_000
	MinPolygonPoints = 4
	MaxHistogramBins = 64

	// DateLayout is the only accepted calendar date format.
	DateLayout = "2006-01-02"
)

// Sentinel2Launch is the earliest date any Sentinel-2 product can exist.
var Sentinel2Launch = time.Date(2015, time.June, 23, 0, 0, 0, 0, time.UTC)

// InRange reports whether v lies within the closed interval [lo, hi].
func InRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
