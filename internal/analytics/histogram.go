package analytics

import (
	"fmt"

	"vegwatch/internal/types"
)

// DefaultNDVIBins are the histogram edges used when the caller sends none.
var DefaultNDVIBins = []float64{-1, 0, 0.2, 0.3, 0.6, 1}

// RawBin is a provider histogram bucket.
type RawBin struct {
	Low   float64
	High  float64
	Count int64
}

// Bucket is a histogram bucket as rendered to clients.
type Bucket struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
	Pct   float64 `json:"pct"`
	Label string  `json:"label"`
}

// HistogramResult is the shaped histogram of a period.
type HistogramResult struct {
	Bins      []Bucket `json:"bins"`
	Total     int64    `json:"total"`
	Overflow  int64    `json:"overflow"`
	Underflow int64    `json:"underflow"`
}

// ShapeHistogram adds shares and readable labels to raw buckets. An open
// lower edge at -1 renders as "< 0" and an upper edge at 1 as "x+".
func ShapeHistogram(raw []RawBin, overflow, underflow int64) HistogramResult {
	var total int64
	for _, b := range raw {
		total += b.Count
	}

	out := HistogramResult{
		Bins:      make([]Bucket, len(raw)),
		Total:     total,
		Overflow:  overflow,
		Underflow: underflow,
	}
	for i, b := range raw {
		pct := 0.0
		if total > 0 {
			pct = types.RoundTo(float64(b.Count)/float64(total)*100, 2)
		}
		out.Bins[i] = Bucket{Min: b.Low, Max: b.High, Count: b.Count, Pct: pct, Label: binLabel(i, len(raw), b)}
	}
	return out
}

func binLabel(i, n int, b RawBin) string {
	switch {
	case i == 0 && b.Low <= -1:
		return "< 0"
	case i == n-1 && b.High >= 1:
		return fmt.Sprintf("%.1f+", b.Low)
	default:
		return fmt.Sprintf("%.1f-%.1f", b.Low, b.High)
	}
}
