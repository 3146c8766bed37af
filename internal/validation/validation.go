// Package validation implements the fail-fast input checks applied before any
// provider call. Every failure is a *types.AppError of kind validation.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"vegwatch/internal/types"
)

func invalid(code types.ErrorCode, format string, args ...any) error {
	return types.NewAppError(code, fmt.Sprintf(format, args...), nil)
}

// BBox checks coordinate ranges, ordering and the maximum area.
func BBox(b types.BBox) error {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid(types.ErrCodeValidationInvalidBBox, "bbox values must be finite numbers")
		}
	}
	if !types.InRange(b.MinLon(), types.MinLon, types.MaxLon) || !types.InRange(b.MaxLon(), types.MinLon, types.MaxLon) {
		return invalid(types.ErrCodeValidationInvalidBBox,
			"longitude must be between -180 and 180, got minLon=%g, maxLon=%g", b.MinLon(), b.MaxLon())
	}
	if !types.InRange(b.MinLat(), types.MinLat, types.MaxLat) || !types.InRange(b.MaxLat(), types.MinLat, types.MaxLat) {
		return invalid(types.ErrCodeValidationInvalidBBox,
			"latitude must be between -90 and 90, got minLat=%g, maxLat=%g", b.MinLat(), b.MaxLat())
	}
	if b.MinLon() >= b.MaxLon() {
		return invalid(types.ErrCodeValidationInvalidBBox, "minLon (%g) must be < maxLon (%g)", b.MinLon(), b.MaxLon())
	}
	if b.MinLat() >= b.MaxLat() {
		return invalid(types.ErrCodeValidationInvalidBBox, "minLat (%g) must be < maxLat (%g)", b.MinLat(), b.MaxLat())
	}
	if area := b.AreaDeg2(); area > types.MaxBBoxAreaDeg2 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBBox,
			fmt.Sprintf("bbox area too large: %.2f deg2 (max %.0f)", area, types.MaxBBoxAreaDeg2), nil,
			map[string]any{"area_deg2": area, "max_area_deg2": types.MaxBBoxAreaDeg2})
	}
	return nil
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat" and validates the result.
func ParseBBox(s string) (types.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return types.BBox{}, invalid(types.ErrCodeValidationInvalidBBox,
			"bbox must have exactly 4 values: minLon,minLat,maxLon,maxLat, got %d", len(parts))
	}
	var b types.BBox
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return types.BBox{}, invalid(types.ErrCodeValidationInvalidBBox, "bbox values must be numeric: %q", p)
		}
		b[i] = v
	}
	if err := BBox(b); err != nil {
		return types.BBox{}, err
	}
	return b, nil
}

// ParsePolygon decodes a GeoJSON Polygon (bare geometry or Feature) and
// checks its exterior ring.
func ParsePolygon(raw []byte) (types.Polygon, error) {
	var envelope struct {
		Type     string          `json:"type"`
		Geometry json.RawMessage `json:"geometry"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return types.Polygon{}, invalid(types.ErrCodeValidationInvalidPolygon, "polygon is not valid JSON")
	}
	if envelope.Type == "Feature" {
		raw = envelope.Geometry
	}

	var p types.Polygon
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.Polygon{}, invalid(types.ErrCodeValidationInvalidPolygon, "polygon coordinates are malformed")
	}
	if p.Type != "Polygon" {
		return types.Polygon{}, invalid(types.ErrCodeValidationInvalidPolygon, "geometry type must be Polygon, got %q", p.Type)
	}
	ring := p.Ring()
	if len(ring) < types.MinPolygonPoints {
		return types.Polygon{}, invalid(types.ErrCodeValidationInvalidPolygon,
			"polygon ring needs at least %d coordinates, got %d", types.MinPolygonPoints, len(ring))
	}
	for _, pt := range ring {
		if !types.InRange(pt[0], types.MinLon, types.MaxLon) || !types.InRange(pt[1], types.MinLat, types.MaxLat) {
			return types.Polygon{}, invalid(types.ErrCodeValidationInvalidPolygon, "polygon vertex out of range: [%g, %g]", pt[0], pt[1])
		}
	}
	if err := BBox(p.BBox()); err != nil {
		return types.Polygon{}, err
	}
	return p, nil
}

// ParseDate parses a DateLayout calendar date in UTC.
func ParseDate(field, s string) (time.Time, error) {
	d, err := time.ParseInLocation(types.DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, invalid(types.ErrCodeValidationInvalidDate, "%s must be in YYYY-MM-DD format, got %q", field, s)
	}
	return d, nil
}

// DateRange checks format, order, span, that the end is not in the future and
// that the start is not before Sentinel-2 launch.
func DateRange(start, end string, maxDays int, now time.Time) error {
	s, err := ParseDate("start", start)
	if err != nil {
		return err
	}
	e, err := ParseDate("end", end)
	if err != nil {
		return err
	}
	if s.After(e) {
		return invalid(types.ErrCodeValidationDateRange, "start (%s) must be <= end (%s)", start, end)
	}
	if maxDays <= 0 {
		maxDays = types.MaxDateRangeDays
	}
	if days := int(e.Sub(s).Hours() / 24); days > maxDays {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationDateRange,
			fmt.Sprintf("date range too large: %d days (max %d)", days, maxDays), nil,
			map[string]any{"days": days, "max_days": maxDays})
	}
	today := now.UTC().Truncate(24 * time.Hour)
	if e.After(today) {
		return invalid(types.ErrCodeValidationDateRange, "end (%s) cannot be in the future", end)
	}
	if s.Before(types.Sentinel2Launch) {
		return invalid(types.ErrCodeValidationDateRange,
			"start (%s) is before Sentinel-2 launch (%s)", start, types.Sentinel2Launch.Format(types.DateLayout))
	}
	return nil
}

// Bins parses comma-separated NDVI histogram edges.
func Bins(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	edges := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, invalid(types.ErrCodeValidationInvalidBins, "invalid bin edge %q", p)
		}
		edges = append(edges, v)
	}
	if len(edges) < 2 {
		return nil, invalid(types.ErrCodeValidationInvalidBins, "bins must have at least 2 values, got %d", len(edges))
	}
	if len(edges) > types.MaxHistogramBins+1 {
		return nil, invalid(types.ErrCodeValidationInvalidBins, "at most %d bins are supported", types.MaxHistogramBins)
	}
	for i, v := range edges {
		if v < -1 || v > 1 {
			return nil, invalid(types.ErrCodeValidationInvalidBins, "bin edges must be between -1 and 1, got %g", v)
		}
		if i > 0 && v < edges[i-1] {
			return nil, invalid(types.ErrCodeValidationInvalidBins, "bin edges must be in ascending order")
		}
	}
	return edges, nil
}

// ImageDimensions rejects non-positive sizes and totals above maxTotal.
func ImageDimensions(width, height, maxTotal int) error {
	if width <= 0 || height <= 0 {
		return invalid(types.ErrCodeValidationImageSize, "image dimensions must be positive, got width=%d, height=%d", width, height)
	}
	if maxTotal <= 0 {
		maxTotal = types.MaxImagePixels
	}
	if total := width * height; total > maxTotal {
		side := int(math.Sqrt(float64(maxTotal)))
		return types.NewAppErrorWithDetails(types.ErrCodeValidationImageSize,
			fmt.Sprintf("image dimensions too large: %dx%d = %d pixels (max %d)", width, height, total, maxTotal), nil,
			map[string]any{"max_width": side, "max_height": side})
	}
	return nil
}

// CloudCoverage checks a maximum cloud percentage.
func CloudCoverage(v float64) error {
	if !types.InRange(v, types.MinCloudCoverage, types.MaxCloudCoverage) {
		return invalid(types.ErrCodeValidationOutOfRange, "max_cloud must be between 0 and 100, got %g", v)
	}
	return nil
}

// AggregationDays checks the aggregation window length.
func AggregationDays(days int) error {
	if days < types.MinAggregateDays || days > types.MaxAggregateDays {
		return invalid(types.ErrCodeValidationOutOfRange,
			"aggregation days must be between %d and %d, got %d", types.MinAggregateDays, types.MaxAggregateDays, days)
	}
	return nil
}

// Coordinates checks a single point.
func Coordinates(lon, lat float64) error {
	if !types.InRange(lon, types.MinLon, types.MaxLon) {
		return invalid(types.ErrCodeValidationOutOfRange, "longitude must be between -180 and 180, got %g", lon)
	}
	if !types.InRange(lat, types.MinLat, types.MaxLat) {
		return invalid(types.ErrCodeValidationOutOfRange, "latitude must be between -90 and 90, got %g", lat)
	}
	return nil
}
