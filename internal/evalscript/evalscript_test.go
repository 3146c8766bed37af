package evalscript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/types"
)

func TestRaster_NDVI(t *testing.T) {
	masked, err := Raster(types.IndicatorNDVI, true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(masked, "//VERSION=3"))
	assert.Contains(t, masked, `"B04","B08","SCL","dataMask"`)
	assert.Contains(t, masked, `mosaicking: "SIMPLE"`)
	assert.Contains(t, masked, `sampleType: "FLOAT32"`)
	assert.Contains(t, masked, "sample.SCL === 9")
	assert.Contains(t, masked, "function computeValue(sample)")

	unmasked, err := Raster(types.IndicatorNDVI, false)
	require.NoError(t, err)
	assert.NotContains(t, unmasked, "sample.SCL")
}

func TestStatistics_OutputsMatchIndicator(t *testing.T) {
	for _, ind := range []types.Indicator{types.IndicatorNDVI, types.IndicatorFAPAR, types.IndicatorLAI, types.IndicatorFCOVER} {
		t.Run(string(ind), func(t *testing.T) {
			script, err := Statistics(ind)
			require.NoError(t, err)
			id := OutputID(ind)
			assert.Contains(t, script, `{id: "`+id+`", bands: 1, sampleType: "FLOAT32"}`)
			assert.Contains(t, script, `{id: "dataMask", bands: 1}`)
			assert.Contains(t, script, `mosaicking: "ORBIT"`)
			assert.Contains(t, script, "return {"+id+": [v], dataMask: [1]};")
			assert.Contains(t, script, "return {"+id+": [NaN], dataMask: [0]};")
		})
	}
}

func TestBioparScriptsCarryAngles(t *testing.T) {
	script, err := Raster(types.IndicatorLAI, true)
	require.NoError(t, err)
	assert.Contains(t, script, "sunZenithAngles")
	assert.Contains(t, script, "Math.min(8,")
}

func TestOpenEOIndicatorsHaveNoScript(t *testing.T) {
	for _, ind := range []types.Indicator{types.IndicatorCCC, types.IndicatorCWC} {
		_, err := Statistics(ind)
		require.Error(t, err)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	}
	_, err := Raster("EVI", false)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestVersion(t *testing.T) {
	assert.Equal(t, NDVIVersion, Version(types.IndicatorNDVI))
	assert.Equal(t, BioparVersion, Version(types.IndicatorCWC))
}
