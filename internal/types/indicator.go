package types

import (
	"fmt"
	"strings"
)

// Indicator is a vegetation or biophysical parameter type.
type Indicator string

const (
	IndicatorNDVI   Indicator = "NDVI"
	IndicatorFAPAR  Indicator = "FAPAR"
	IndicatorLAI    Indicator = "LAI"
	IndicatorFCOVER Indicator = "FCOVER"
	IndicatorCCC    Indicator = "CCC"
	IndicatorCWC    Indicator = "CWC"
)

// BioparIndicators lists every BIOPAR type in display order.
var BioparIndicators = []Indicator{
	IndicatorFAPAR, IndicatorLAI, IndicatorFCOVER, IndicatorCCC, IndicatorCWC,
}

// IndicatorMetadata holds the fixed per-indicator constants.
type IndicatorMetadata struct {
	Unit        string     `json:"unit"`
	Range       [2]float64 `json:"valid_range"`
	Description string     `json:"description"`
	// StableEpsilon is the |slope| below which a trend is reported as stable.
	StableEpsilon float64 `json:"-"`
}

var indicatorMetadata = map[Indicator]IndicatorMetadata{
	IndicatorNDVI:   {Unit: "index", Range: [2]float64{-1, 1}, Description: "Normalized Difference Vegetation Index", StableEpsilon: 0.001},
	IndicatorFAPAR:  {Unit: "fraction", Range: [2]float64{0, 1}, Description: "Fraction of Absorbed Photosynthetically Active Radiation", StableEpsilon: 0.001},
	IndicatorLAI:    {Unit: "m2/m2", Range: [2]float64{0, 8}, Description: "Leaf Area Index", StableEpsilon: 0.005},
	IndicatorFCOVER: {Unit: "fraction", Range: [2]float64{0, 1}, Description: "Fraction of Vegetation Cover", StableEpsilon: 0.001},
	IndicatorCCC:    {Unit: "g/m2", Range: [2]float64{0, 600}, Description: "Canopy Chlorophyll Content", StableEpsilon: 0.1},
	IndicatorCWC:    {Unit: "g/m2", Range: [2]float64{0, 1000}, Description: "Canopy Water Content", StableEpsilon: 0.2},
}

// ParseIndicator accepts any letter case.
func ParseIndicator(s string) (Indicator, error) {
	ind := Indicator(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := indicatorMetadata[ind]; !ok {
		return "", NewAppErrorWithDetails(ErrCodeValidationIndicator,
			fmt.Sprintf("unknown indicator %q", s), nil,
			map[string]any{"allowed": []Indicator{IndicatorNDVI, IndicatorFAPAR, IndicatorLAI, IndicatorFCOVER, IndicatorCCC, IndicatorCWC}})
	}
	return ind, nil
}

// ParseBiopar is ParseIndicator restricted to BIOPAR types.
func ParseBiopar(s string) (Indicator, error) {
	ind, err := ParseIndicator(s)
	if err != nil {
		return "", err
	}
	if !ind.IsBiopar() {
		return "", NewAppErrorWithDetails(ErrCodeValidationIndicator,
			fmt.Sprintf("%s is not a BIOPAR type", ind), nil,
			map[string]any{"allowed": BioparIndicators})
	}
	return ind, nil
}

// Metadata returns the fixed constants of the indicator.
func (i Indicator) Metadata() IndicatorMetadata {
	return indicatorMetadata[i]
}

// IsBiopar reports whether the indicator is a biophysical parameter.
func (i Indicator) IsBiopar() bool {
	return i != IndicatorNDVI && i.Valid()
}

// Valid reports whether the indicator is known.
func (i Indicator) Valid() bool {
	_, ok := indicatorMetadata[i]
	return ok
}

// UsesOpenEO reports whether the indicator is only computed by the openEO
// BIOPAR process rather than a Sentinel Hub evalscript.
func (i Indicator) UsesOpenEO() bool {
	return i == IndicatorCCC || i == IndicatorCWC
}

// CachePrefix is the filename prefix of cached artifacts for this indicator.
func (i Indicator) CachePrefix() string {
	if i == IndicatorNDVI {
		return "ndvi"
	}
	return "biopar_" + strings.ToLower(string(i))
}

// StableEpsilon is the slope magnitude under which a trend counts as stable.
func (i Indicator) StableEpsilon() float64 {
	if m, ok := indicatorMetadata[i]; ok {
		return m.StableEpsilon
	}
	return 0.001
}
