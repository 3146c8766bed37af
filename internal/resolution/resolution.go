// Package resolution maps a bounding box and target ground resolution onto a
// pixel grid that stays inside provider request limits.
package resolution

import (
	"math"

	"vegwatch/internal/types"
)

// Flat-earth conversion factors at the equator.
const (
	MetersPerDegLon = 111320.0
	MetersPerDegLat = 110540.0
)

// Limits are the provider-imposed bounds of a request grid.
type Limits struct {
	MinMPP    float64
	MaxMPP    float64
	MinPixels int
	MaxPixels int
}

// Grid is the chosen raster size and what it implies on the ground.
type Grid struct {
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	WidthMeters  float64 `json:"width_m"`
	HeightMeters float64 `json:"height_m"`
	EffectiveMPP float64 `json:"effective_mpp"`
}

// SizeMeters approximates the physical extent of b at its mid-latitude.
func SizeMeters(b types.BBox) (float64, float64) {
	_, midLat := b.Center()
	w := math.Abs(b.WidthDeg()) * MetersPerDegLon * math.Cos(midLat*math.Pi/180)
	h := math.Abs(b.HeightDeg()) * MetersPerDegLat
	return w, h
}

// Choose returns the pixel grid for b at targetMPP.
//
// The target is clamped into [MinMPP, MaxMPP] and each side into
// [MinPixels, MaxPixels]. If clamping the pixel count coarsened the grid past
// MaxMPP, the sides are regrown from MaxMPP, still capped at MaxPixels; a box
// too large for MaxPixels at MaxMPP keeps the cap and a coarser grid.
func Choose(b types.BBox, targetMPP float64, lim Limits) Grid {
	lim = lim.sanitized()
	widthM, heightM := SizeMeters(b)

	mpp := clampFloat(targetMPP, lim.MinMPP, lim.MaxMPP)
	w := clampInt(ceilPixels(widthM, mpp), lim.MinPixels, lim.MaxPixels)
	h := clampInt(ceilPixels(heightM, mpp), lim.MinPixels, lim.MaxPixels)

	if effective(widthM, heightM, w, h) > lim.MaxMPP {
		w = max(w, min(lim.MaxPixels, ceilPixels(widthM, lim.MaxMPP)))
		h = max(h, min(lim.MaxPixels, ceilPixels(heightM, lim.MaxMPP)))
	}

	return Grid{
		Width:        w,
		Height:       h,
		WidthMeters:  widthM,
		HeightMeters: heightM,
		EffectiveMPP: effective(widthM, heightM, w, h),
	}
}

func (l Limits) sanitized() Limits {
	if l.MinPixels < 1 {
		l.MinPixels = 1
	}
	if l.MaxPixels < l.MinPixels {
		l.MaxPixels = l.MinPixels
	}
	if l.MinMPP <= 0 {
		l.MinMPP = 1
	}
	if l.MaxMPP < l.MinMPP {
		l.MaxMPP = l.MinMPP
	}
	return l
}

func effective(widthM, heightM float64, w, h int) float64 {
	return math.Max(widthM/float64(w), heightM/float64(h))
}

func ceilPixels(meters, mpp float64) int {
	px := math.Ceil(meters / mpp)
	if math.IsNaN(px) || px < 1 {
		return 1
	}
	if px > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(px)
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
