package analytics

import "vegwatch/internal/types"

// strongTrendR2 is the r² above which a trend drives a recommendation.
const strongTrendR2 = 0.5

const (
	ndviVariabilityStd        = 0.15
	bioparVariabilityRelStd   = 0.15
	ndviStressThreshold       = 0.3
	ndviBelowOptimalThreshold = 0.45
)

// Recommend returns ordered advisory notes derived from the level of the
// mean, the trend and the spread of the observations.
func Recommend(ind types.Indicator, agg types.AggregateStats, trend types.TrendResult) []string {
	if ind == types.IndicatorNDVI {
		return recommendNDVI(agg, trend)
	}
	return recommendBiopar(ind, agg, trend)
}

func recommendNDVI(agg types.AggregateStats, trend types.TrendResult) []string {
	var rec []string
	switch {
	case agg.Mean < ndviStressThreshold:
		rec = append(rec,
			"Low NDVI: check crops for stress (drought, pests, disease)",
			"Consider additional irrigation or fertilizer application",
			"Run a soil analysis to find nutrient deficiencies",
		)
	case agg.Mean < ndviBelowOptimalThreshold:
		rec = append(rec,
			"NDVI below optimal: monitor crop condition every 5-7 days",
			"Review precipitation and temperature for the period",
		)
	default:
		rec = append(rec, "NDVI is normal: keep regular monitoring every 10-14 days")
	}

	switch {
	case trend.Direction == types.TrendDecreasing && trend.RSquared > strongTrendR2:
		rec = append(rec,
			"Declining NDVI trend: analyse the causes in detail",
			"Check the field treatment history and weather for the period",
		)
	case trend.Direction == types.TrendIncreasing && trend.RSquared > strongTrendR2:
		rec = append(rec, "Positive trend: vegetation condition is improving")
	case trend.Direction == types.TrendStable:
		rec = append(rec, "Stable NDVI: keep watching the dynamics")
	}

	if agg.Std > ndviVariabilityStd {
		rec = append(rec, "High NDVI variability: fields may be heterogeneous or conditions unstable")
	}

	return append(rec,
		"Compare current values with previous years to detect anomalies",
		"Use multispectral analysis for detailed diagnostics",
	)
}

func recommendBiopar(ind types.Indicator, agg types.AggregateStats, trend types.TrendResult) []string {
	var rec []string
	status := Classify(ind, agg.Mean).Status
	low := status == types.StatusVeryLow || status == types.StatusLow

	switch {
	case low:
		rec = append(rec,
			"Parameter below normal: a detailed crop survey is required",
			"Check water regime, nutrition and pests or diseases",
			"Consider adjusting irrigation or fertilizer application",
		)
	case status == types.StatusModerate:
		rec = append(rec,
			"Moderate values: increase monitoring to every 5-7 days",
			"Compare with previous years to detect deviations",
		)
	case status == types.StatusOptimal || status == types.StatusHigh:
		rec = append(rec,
			"Parameters normal or above: keep the current agronomic practice",
			"Keep regular monitoring every 10-14 days",
		)
	default:
		rec = append(rec, "Interpretation depends on the crop and growth stage")
	}

	if low {
		switch ind {
		case types.IndicatorFAPAR:
			rec = append(rec, "Low FAPAR: check stand density and emergence uniformity")
		case types.IndicatorLAI:
			rec = append(rec, "Low LAI: assess leaf development and growth stage")
		case types.IndicatorCCC:
			rec = append(rec,
				"Low chlorophyll: possible nitrogen deficiency or chlorosis",
				"Leaf diagnostics and a soil analysis are recommended",
			)
		case types.IndicatorCWC:
			rec = append(rec,
				"Low water content: water stress is likely",
				"Check the irrigation schedule and weather conditions",
			)
		}
	}

	switch {
	case trend.Direction == types.TrendDecreasing && trend.RSquared > strongTrendR2:
		rec = append(rec,
			"Pronounced downward trend: urgent diagnostics needed",
			"Check treatment history and weather for the period",
		)
	case trend.Direction == types.TrendIncreasing && trend.RSquared > strongTrendR2:
		rec = append(rec, "Positive trend: crop condition is improving")
	case trend.Direction == types.TrendStable:
		rec = append(rec, "Stable dynamics: keep watching further development")
	}

	if agg.Mean > 0 && agg.Std > bioparVariabilityRelStd*agg.Mean {
		rec = append(rec, "High variability across the period: fields may be heterogeneous")
	}

	return append(rec,
		"Combine with NDVI and weather data for a complete assessment",
		"Keep an observation history to detect multi-year trends",
	)
}
