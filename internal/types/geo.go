package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoordinatePrecision is the number of decimal places coordinates are rounded
// to before they take part in any cache key. About 11 cm at the equator.
const CoordinatePrecision = 6

// BBox is an axis-aligned geographic box: [minLon, minLat, maxLon, maxLat].
type BBox [4]float64

func (b BBox) MinLon() float64 { return b[0] }
func (b BBox) MinLat() float64 { return b[1] }
func (b BBox) MaxLon() float64 { return b[2] }
func (b BBox) MaxLat() float64 { return b[3] }

// WidthDeg is the longitudinal extent in degrees.
func (b BBox) WidthDeg() float64 { return b[2] - b[0] }

// HeightDeg is the latitudinal extent in degrees.
func (b BBox) HeightDeg() float64 { return b[3] - b[1] }

// AreaDeg2 is Δlon×Δlat.
func (b BBox) AreaDeg2() float64 { return b.WidthDeg() * b.HeightDeg() }

// Center returns the centre point as (lon, lat).
func (b BBox) Center() (float64, float64) {
	return (b[0] + b[2]) / 2, (b[1] + b[3]) / 2
}

// Contains reports whether the point lies inside the box, edges included.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b[0] && lon <= b[2] && lat >= b[1] && lat <= b[3]
}

// Rounded returns a copy with every coordinate rounded to CoordinatePrecision.
func (b BBox) Rounded() BBox {
	return BBox{RoundCoord(b[0]), RoundCoord(b[1]), RoundCoord(b[2]), RoundCoord(b[3])}
}

// String renders the box as "minLon,minLat,maxLon,maxLat" at cache precision.
func (b BBox) String() string {
	parts := make([]string, 4)
	for i, v := range b.Rounded() {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Slice returns the box as a JSON-friendly slice.
func (b BBox) Slice() []float64 {
	return []float64{b[0], b[1], b[2], b[3]}
}

// Polygon returns the box as a closed counter-clockwise ring.
func (b BBox) Polygon() Polygon {
	return Polygon{Type: "Polygon", Coordinates: [][]Point{{
		{b[0], b[1]}, {b[2], b[1]}, {b[2], b[3]}, {b[0], b[3]}, {b[0], b[1]},
	}}}
}

// RoundCoord rounds a coordinate to CoordinatePrecision decimal places.
func RoundCoord(v float64) float64 {
	return RoundTo(v, CoordinatePrecision)
}

// RoundTo rounds v to dp decimal places, half away from zero.
func RoundTo(v float64, dp int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow(10, float64(dp))
	return math.Round(v*p) / p
}

// Point is a [lon, lat] pair.
type Point [2]float64

// Polygon is a GeoJSON Polygon geometry. Only the exterior ring is used.
type Polygon struct {
	Type        string    `json:"type"`
	Coordinates [][]Point `json:"coordinates"`
}

// Ring returns the exterior ring, or nil for an empty polygon.
func (p Polygon) Ring() []Point {
	if len(p.Coordinates) == 0 {
		return nil
	}
	return p.Coordinates[0]
}

// BBox returns the envelope of the exterior ring.
func (p Polygon) BBox() BBox {
	ring := p.Ring()
	if len(ring) == 0 {
		return BBox{}
	}
	b := BBox{ring[0][0], ring[0][1], ring[0][0], ring[0][1]}
	for _, pt := range ring[1:] {
		b[0] = math.Min(b[0], pt[0])
		b[1] = math.Min(b[1], pt[1])
		b[2] = math.Max(b[2], pt[0])
		b[3] = math.Max(b[3], pt[1])
	}
	return b
}

// Rounded returns a copy with every vertex rounded to CoordinatePrecision.
func (p Polygon) Rounded() Polygon {
	out := Polygon{Type: "Polygon", Coordinates: make([][]Point, len(p.Coordinates))}
	for i, ring := range p.Coordinates {
		r := make([]Point, len(ring))
		for j, pt := range ring {
			r[j] = Point{RoundCoord(pt[0]), RoundCoord(pt[1])}
		}
		out.Coordinates[i] = r
	}
	return out
}

// Geometry is the area of interest of a query: a polygon when the caller drew
// one, otherwise a bbox. BBox is always populated.
type Geometry struct {
	BBox    BBox
	Polygon *Polygon
}

// NewBBoxGeometry wraps a bbox.
func NewBBoxGeometry(b BBox) Geometry {
	return Geometry{BBox: b}
}

// NewPolygonGeometry wraps a polygon and derives its envelope.
func NewPolygonGeometry(p Polygon) Geometry {
	return Geometry{BBox: p.BBox(), Polygon: &p}
}

// IsPolygon reports whether the geometry carries a polygon.
func (g Geometry) IsPolygon() bool { return g.Polygon != nil }

// Canonical returns the value hashed into cache keys: rounded polygon
// coordinates, or the rounded bbox as a slice.
func (g Geometry) Canonical() any {
	if g.Polygon != nil {
		return map[string]any{"type": "Polygon", "coordinates": g.Polygon.Rounded().Coordinates}
	}
	return g.BBox.Rounded().Slice()
}

// GeoJSON returns the rounded polygon, or the bbox as a polygon.
func (g Geometry) GeoJSON() Polygon {
	if g.Polygon != nil {
		return g.Polygon.Rounded()
	}
	return g.BBox.Rounded().Polygon()
}

// DateRange is an inclusive pair of calendar dates in DateLayout.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (d DateRange) String() string {
	return fmt.Sprintf("%s..%s", d.Start, d.End)
}
