package analytics

import (
	"math"

	"vegwatch/internal/types"
)

// band is one row of a threshold table: values strictly below Upper fall in
// it. The last row of every table has Upper = +Inf so the tables are total.
type band struct {
	Upper       float64
	Status      types.VegetationStatus
	Level       string
	Description string
}

var ndviTable = []band{
	{0, types.StatusWater, "Water", "Water surface"},
	{0.2, types.StatusBareSoil, "Bare soil", "No or minimal vegetation"},
	{0.3, types.StatusCriticalLow, "Critically low", "Sparse vegetation, possible stress"},
	{0.45, types.StatusLow, "Low", "Moderate vegetation, below normal"},
	{0.65, types.StatusOptimal, "Optimal", "Healthy vegetation, normal condition"},
	{math.Inf(1), types.StatusHigh, "High", "Very dense vegetation"},
}

func bioparTable(thresholds [4]float64, descriptions [5]string) []band {
	return []band{
		{thresholds[0], types.StatusVeryLow, "Very low", descriptions[0]},
		{thresholds[1], types.StatusLow, "Low", descriptions[1]},
		{thresholds[2], types.StatusModerate, "Moderate", descriptions[2]},
		{thresholds[3], types.StatusOptimal, "Optimal", descriptions[3]},
		{math.Inf(1), types.StatusHigh, "High", descriptions[4]},
	}
}

var bioparTables = map[types.Indicator][]band{
	types.IndicatorFAPAR: bioparTable([4]float64{0.1, 0.25, 0.5, 0.7}, [5]string{
		"Weak PAR absorption, possible stress or sparse vegetation",
		"Below normal, early growth stage or stress",
		"Moderate absorption, developing leaf mass",
		"Healthy leaf mass, active photosynthesis",
		"Very dense canopy, saturated leaf mass",
	}),
	types.IndicatorLAI: bioparTable([4]float64{0.5, 1.5, 3.0, 5.0}, [5]string{
		"Small green leaf area, start of the season",
		"Sparse canopy, early development stage",
		"Moderate leaf mass, active growth",
		"Well developed leaf mass",
		"Very dense canopy, possibly woodland",
	}),
	types.IndicatorFCOVER: bioparTable([4]float64{0.2, 0.4, 0.6, 0.8}, [5]string{
		"Small share of vegetation cover",
		"Fragmented cover, soil clearly visible",
		"Moderate share of cover",
		"Mostly covered surface",
		"Nearly continuous cover",
	}),
	types.IndicatorCCC: bioparTable([4]float64{50, 100, 200, 300}, [5]string{
		"Critically low chlorophyll content",
		"Reduced content, possible chlorosis",
		"Normal content for most crops",
		"High content, active photosynthesis",
		"Very high chlorophyll content",
	}),
	types.IndicatorCWC: bioparTable([4]float64{100, 200, 400, 600}, [5]string{
		"Critically low water content, stress",
		"Reduced content, possible water stress",
		"Normal water content",
		"Good hydration",
		"High water content",
	}),
}

var noData = types.Classification{
	Status:      types.StatusNoData,
	Level:       "No data",
	Description: "Parameters could not be assessed",
}

// Classify maps a mean value to its bin in the table of ind. Every finite
// value lands in exactly one bin; values outside the nominal range fall into
// the first or last bin. NaN and unknown indicators are no_data.
func Classify(ind types.Indicator, v float64) types.Classification {
	if math.IsNaN(v) {
		return noData
	}
	table := ndviTable
	if ind != types.IndicatorNDVI {
		t, ok := bioparTables[ind]
		if !ok {
			return noData
		}
		table = t
	}
	for _, b := range table {
		if v < b.Upper {
			return types.Classification{Status: b.Status, Level: b.Level, Description: b.Description}
		}
	}
	last := table[len(table)-1]
	return types.Classification{Status: last.Status, Level: last.Level, Description: last.Description}
}

// ClassifyMean is Classify for an optional mean. Nil is no_data.
func ClassifyMean(ind types.Indicator, mean *float64) types.Classification {
	if mean == nil {
		return noData
	}
	return Classify(ind, *mean)
}
