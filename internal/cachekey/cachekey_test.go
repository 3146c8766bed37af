package cachekey

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/types"
)

var hex16 = regexp.MustCompile(`^[0-9a-f]{16}$`)

func polygonA() types.Polygon {
	return types.Polygon{
		Type: "Polygon",
		Coordinates: [][]types.Point{{
			{69.0, 51.0}, {69.1, 51.0}, {69.1, 51.1}, {69.0, 51.1}, {69.0, 51.0},
		}},
	}
}

func baseRequest() Request {
	return Request{
		Geometry:  types.NewPolygonGeometry(polygonA()),
		Start:     "2024-06-01",
		End:       "2024-06-30",
		Indicator: types.IndicatorFAPAR,
		Version:   "biopar-v2.0",
		Params:    map[string]any{"width": 2048, "height": 2048},
	}
}

func TestDerive_Deterministic(t *testing.T) {
	k1, err := Derive(baseRequest())
	require.NoError(t, err)
	k2, err := Derive(baseRequest())
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Regexp(t, hex16, k1)
}

func TestDerive_IgnoresParamOrderAndJitter(t *testing.T) {
	a := baseRequest()
	a.Params = map[string]any{"width": 2048, "height": 2048, "cloud": 30.0, "mosaic": "leastCC"}

	b := baseRequest()
	b.Params = map[string]any{"mosaic": "leastCC", "cloud": 30.0000000001, "height": 2048, "width": 2048}
	jittered := polygonA()
	jittered.Coordinates[0][1][0] = 69.1000000004
	b.Geometry = types.NewPolygonGeometry(jittered)

	ka, err := Derive(a)
	require.NoError(t, err)
	kb, err := Derive(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestDerive_AnyFieldChangesKey(t *testing.T) {
	base, err := Derive(baseRequest())
	require.NoError(t, err)

	mutations := map[string]func(r *Request){
		"start":     func(r *Request) { r.Start = "2024-06-02" },
		"end":       func(r *Request) { r.End = "2024-06-29" },
		"indicator": func(r *Request) { r.Indicator = types.IndicatorLAI },
		"kind":      func(r *Request) { r.Kind = "stats" },
		"version":   func(r *Request) { r.Version = "biopar-v2.1" },
		"width":     func(r *Request) { r.Params["width"] = 1024 },
		"new param": func(r *Request) { r.Params["cloud"] = 20 },
		"geometry": func(r *Request) {
			r.Geometry = types.NewBBoxGeometry(types.BBox{69.0, 51.0, 69.1, 51.1})
		},
		"vertex": func(r *Request) {
			p := polygonA()
			p.Coordinates[0][2][1] = 51.100002
			r.Geometry = types.NewPolygonGeometry(p)
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := baseRequest()
			mutate(&r)
			k, err := Derive(r)
			require.NoError(t, err)
			assert.NotEqual(t, base, k)
		})
	}
}

func TestFilenameAndSidecar(t *testing.T) {
	r := baseRequest()
	name, err := Filename(r, ExtTIFF)
	require.NoError(t, err)

	assert.Regexp(t, `^biopar_fapar_[0-9a-f]{16}\.tif$`, name)
	assert.True(t, ValidFilename(name))

	side := SidecarName(name)
	assert.Regexp(t, `^biopar_fapar_[0-9a-f]{16}\.json$`, side)
	assert.True(t, ValidFilename(side))

	r.Kind = "stats"
	statsName, err := Filename(r, ExtJSON)
	require.NoError(t, err)
	assert.Regexp(t, `^biopar_fapar_stats_[0-9a-f]{16}\.json$`, statsName)
}

func TestValidFilename_RejectsTraversal(t *testing.T) {
	for _, bad := range []string{
		"../etc/passwd",
		"ndvi_0123456789abcdef.tif/../x",
		"ndvi_0123456789ABCDEF.tif",
		"ndvi_0123456789abcde.tif",
		"ndvi_0123456789abcdef.png",
		".tmp_ndvi_0123456789abcdef.tif",
	} {
		assert.False(t, ValidFilename(bad), bad)
	}
	assert.True(t, ValidFilename("ndvi_0123456789abcdef.tif"))
}
