package types

// Percentiles holds the fixed percentile set returned by the providers.
type Percentiles struct {
	P10 *float64 `json:"p10"`
	P25 *float64 `json:"p25"`
	P50 *float64 `json:"p50"`
	P75 *float64 `json:"p75"`
	P90 *float64 `json:"p90"`
}

// PercentileKeys is the k list sent to the Statistical API.
var PercentileKeys = []float64{10, 25, 50, 75, 90}

// Observation is one aggregation window. A window with no valid pixels keeps
// its date and carries a nil Mean.
type Observation struct {
	Date        string       `json:"date"`
	Mean        *float64     `json:"mean"`
	Min         *float64     `json:"min"`
	Max         *float64     `json:"max"`
	Std         *float64     `json:"std"`
	Percentiles *Percentiles `json:"percentiles,omitempty"`
}

// IsNull reports whether the window produced no value.
func (o Observation) IsNull() bool {
	return o.Mean == nil
}

// Timeline is a chronologically ordered series of observations.
type Timeline []Observation

// NonNullMeans returns the means of every non-null observation in order.
func (t Timeline) NonNullMeans() []float64 {
	out := make([]float64, 0, len(t))
	for _, o := range t {
		if o.Mean != nil {
			out = append(out, *o.Mean)
		}
	}
	return out
}

// IndexedMeans returns (position, mean) pairs for every non-null observation.
// Positions are indices into the full timeline so gaps keep their spacing.
func (t Timeline) IndexedMeans() ([]float64, []float64) {
	xs := make([]float64, 0, len(t))
	ys := make([]float64, 0, len(t))
	for i, o := range t {
		if o.Mean != nil {
			xs = append(xs, float64(i))
			ys = append(ys, *o.Mean)
		}
	}
	return xs, ys
}

// ValidCount is the number of non-null observations.
func (t Timeline) ValidCount() int {
	n := 0
	for _, o := range t {
		if o.Mean != nil {
			n++
		}
	}
	return n
}

// AggregateStats summarizes the non-null means of a timeline.
type AggregateStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

// TrendDirection is the qualitative direction of a linear trend.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// TrendResult is the OLS fit of mean against timeline position.
type TrendResult struct {
	Direction   TrendDirection `json:"direction"`
	Slope       float64        `json:"slope"`
	RSquared    float64        `json:"r_squared"`
	PValue      float64        `json:"p_value"`
	Description string         `json:"description"`
}

// VegetationStatus is a classification bin.
type VegetationStatus string

const (
	StatusNoData      VegetationStatus = "no_data"
	StatusWater       VegetationStatus = "water"
	StatusBareSoil    VegetationStatus = "bare_soil"
	StatusCriticalLow VegetationStatus = "critical_low"
	StatusVeryLow     VegetationStatus = "very_low"
	StatusLow         VegetationStatus = "low"
	StatusModerate    VegetationStatus = "moderate"
	StatusOptimal     VegetationStatus = "optimal"
	StatusHigh        VegetationStatus = "high"
)

// Classification is the bin a mean value falls into.
type Classification struct {
	Status      VegetationStatus `json:"status"`
	Level       string           `json:"level"`
	Description string           `json:"description"`
}

// Summary is the reduced form of a timeline.
type Summary struct {
	Aggregate AggregateStats `json:"aggregate"`
	Trend     TrendResult    `json:"trend"`
}

// Float returns a pointer to v. Used for building nullable observation fields.
func Float(v float64) *float64 {
	return &v
}
