package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBBoxGeometry(t *testing.T) {
	b := BBox{69.0, 51.0, 69.5, 51.25}

	assert.InDelta(t, 0.5, b.WidthDeg(), 1e-12)
	assert.InDelta(t, 0.25, b.HeightDeg(), 1e-12)
	assert.InDelta(t, 0.125, b.AreaDeg2(), 1e-12)

	lon, lat := b.Center()
	assert.InDelta(t, 69.25, lon, 1e-12)
	assert.InDelta(t, 51.125, lat, 1e-12)

	assert.True(t, b.Contains(69.0, 51.0))
	assert.False(t, b.Contains(70, 51.1))
}

func TestBBoxRoundedAndString(t *testing.T) {
	b := BBox{69.00000012, 51.0000004, 69.0100001, 51.01}
	assert.Equal(t, BBox{69.0, 51.0, 69.01, 51.01}, b.Rounded())
	assert.Equal(t, "69,51,69.01,51.01", b.String())
}

func TestPolygonBBoxAndJSON(t *testing.T) {
	raw := `{"type":"Polygon","coordinates":[[[69,51],[70,51],[70,52],[69,52],[69,51]]]}`
	var p Polygon
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	assert.Len(t, p.Ring(), 5)
	assert.Equal(t, BBox{69, 51, 70, 52}, p.BBox())

	g := NewPolygonGeometry(p)
	assert.True(t, g.IsPolygon())
	assert.Equal(t, BBox{69, 51, 70, 52}, g.BBox)
}

func TestParseIndicator(t *testing.T) {
	ind, err := ParseIndicator("fapar")
	require.NoError(t, err)
	assert.Equal(t, IndicatorFAPAR, ind)
	assert.True(t, ind.IsBiopar())
	assert.Equal(t, "biopar_fapar", ind.CachePrefix())

	_, err = ParseIndicator("evi")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = ParseBiopar("ndvi")
	require.Error(t, err)

	assert.Equal(t, "ndvi", IndicatorNDVI.CachePrefix())
	assert.False(t, IndicatorNDVI.IsBiopar())
	assert.True(t, IndicatorCWC.UsesOpenEO())
	assert.False(t, IndicatorLAI.UsesOpenEO())
}

func TestStableEpsilonTable(t *testing.T) {
	assert.Equal(t, 0.001, IndicatorNDVI.StableEpsilon())
	assert.Equal(t, 0.005, IndicatorLAI.StableEpsilon())
	assert.Equal(t, 0.1, IndicatorCCC.StableEpsilon())
	assert.Equal(t, 0.2, IndicatorCWC.StableEpsilon())
}

func TestTimelineIndexedMeansKeepsGaps(t *testing.T) {
	tl := Timeline{
		{Date: "2024-06-05", Mean: Float(0.3)},
		{Date: "2024-06-10"},
		{Date: "2024-06-15", Mean: Float(0.4)},
	}
	xs, ys := tl.IndexedMeans()
	assert.Equal(t, []float64{0, 2}, xs)
	assert.Equal(t, []float64{0.3, 0.4}, ys)
	assert.Equal(t, 2, tl.ValidCount())
	assert.Equal(t, []float64{0.3, 0.4}, tl.NonNullMeans())
	assert.True(t, tl[1].IsNull())
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page, info := Paginate(items, 1, 2)
	assert.Equal(t, []int{2, 3}, page)
	assert.Equal(t, PageInfo{Total: 5, Limit: 2, Offset: 1, HasMore: true}, info)

	page, info = Paginate(items, 4, 10)
	assert.Equal(t, []int{5}, page)
	assert.False(t, info.HasMore)

	page, _ = Paginate(items, 10, 2)
	assert.Empty(t, page)
}
