package analytics

import "vegwatch/internal/types"

// Region is the administrative region the reports cover.
const Region = "Akmola Region"

// Zone is a reference agricultural zone of the region.
type Zone struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Center       [2]float64 `json:"center"` // lat, lon
	AreaHa       int        `json:"area_ha"`
	TypicalCrops []string   `json:"typical_crops"`
}

var zones = []Zone{
	{
		Name:         "Northern grain zone",
		Description:  "Main wheat belt of the region",
		Center:       [2]float64{52.28, 70.4},
		AreaHa:       1200000,
		TypicalCrops: []string{"Wheat", "Barley", "Oats"},
	},
	{
		Name:         "Central mixed zone",
		Description:  "Diversified farming",
		Center:       [2]float64{51.16, 71.45},
		AreaHa:       950000,
		TypicalCrops: []string{"Wheat", "Sunflower", "Flax"},
	},
	{
		Name:         "Southern irrigated zone",
		Description:  "Intensive irrigated farming",
		Center:       [2]float64{50.4, 72.3},
		AreaHa:       780000,
		TypicalCrops: []string{"Maize", "Vegetables", "Melons"},
	},
}

// AgriculturalZones returns the zones whose centre lies in bbox, or every
// zone when none does.
func AgriculturalZones(bbox types.BBox) []Zone {
	var out []Zone
	for _, z := range zones {
		if bbox.Contains(z.Center[1], z.Center[0]) {
			out = append(out, z)
		}
	}
	if len(out) == 0 {
		out = append(out, zones...)
	}
	return out
}
