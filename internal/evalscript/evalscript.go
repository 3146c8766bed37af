// Package evalscript renders the Sentinel Hub evalscripts used for NDVI and
// BIOPAR requests. Scripts are versioned; a version change invalidates every
// cache entry derived from the old script.
package evalscript

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"vegwatch/internal/types"
)

const (
	NDVIVersion   = "v2.0"
	BioparVersion = "biopar-v2.0"
)

//go:embed scripts/*.js scripts/*.tmpl
var scripts embed.FS

var (
	ndviBands   = []string{"B04", "B08", "SCL", "dataMask"}
	bioparBands = []string{
		"B03", "B04", "B05", "B06", "B07", "B8A", "B11", "B12",
		"viewZenithMean", "viewAzimuthMean", "sunZenithAngles", "sunAzimuthAngles",
		"SCL", "dataMask",
	}
)

var (
	loadOnce  sync.Once
	loadErr   error
	rasterTpl *template.Template
	statsTpl  *template.Template
)

type scriptData struct {
	Bands     string
	Core      string
	OutputID  string
	CloudMask bool
}

func load() error {
	loadOnce.Do(func() {
		rasterTpl, loadErr = template.ParseFS(scripts, "scripts/raster.js.tmpl")
		if loadErr != nil {
			return
		}
		statsTpl, loadErr = template.ParseFS(scripts, "scripts/statistics.js.tmpl")
	})
	return loadErr
}

// Version returns the script version folded into cache keys for ind.
func Version(ind types.Indicator) string {
	if ind == types.IndicatorNDVI {
		return NDVIVersion
	}
	return BioparVersion
}

// OutputID is the statistics output identifier for ind.
func OutputID(ind types.Indicator) string {
	return strings.ToLower(string(ind))
}

// Raster returns the single-band FLOAT32 script for a process request.
// cloudMask drops SCL shadow, cloud, cirrus and snow pixels.
func Raster(ind types.Indicator, cloudMask bool) (string, error) {
	data, err := prepare(ind)
	if err != nil {
		return "", err
	}
	data.CloudMask = cloudMask
	return render(rasterTpl, data)
}

// Statistics returns the ORBIT-mosaicking script for statistical requests.
// Its outputs are OutputID(ind) and dataMask.
func Statistics(ind types.Indicator) (string, error) {
	data, err := prepare(ind)
	if err != nil {
		return "", err
	}
	return render(statsTpl, data)
}

func prepare(ind types.Indicator) (scriptData, error) {
	if err := load(); err != nil {
		return scriptData{}, types.NewAppError(types.ErrCodeInternalUnexpected, "evalscript templates failed to load", err)
	}
	if !ind.Valid() {
		return scriptData{}, types.NewAppError(types.ErrCodeValidationIndicator, fmt.Sprintf("unknown indicator %q", ind), nil)
	}
	if ind.UsesOpenEO() {
		return scriptData{}, types.NewAppError(types.ErrCodeValidationIndicator,
			fmt.Sprintf("%s is computed by openEO and has no evalscript", ind), nil)
	}

	bands := bioparBands
	if ind == types.IndicatorNDVI {
		bands = ndviBands
	}
	core, err := scripts.ReadFile("scripts/" + OutputID(ind) + ".js")
	if err != nil {
		return scriptData{}, types.NewAppError(types.ErrCodeInternalUnexpected, "evalscript core missing", err)
	}
	encoded, err := json.Marshal(bands)
	if err != nil {
		return scriptData{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode bands", err)
	}
	return scriptData{Bands: string(encoded), Core: string(core), OutputID: OutputID(ind)}, nil
}

func render(t *template.Template, data scriptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to render evalscript", err)
	}
	return buf.String(), nil
}
