package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strings"

	"vegwatch/internal/types"
)

const (
	DefaultOpenEOHost = "openeo.dataspace.copernicus.eu"
	// DefaultBioparUDP is the published BIOPAR user-defined process.
	DefaultBioparUDP = "https://raw.githubusercontent.com/ESA-APEx/apex_algorithms/refs/heads/main/" +
		"algorithm_catalog/vito/biopar/openeo_udp/biopar.json"

	// openEO on CDSE expects OIDC bearer tokens qualified by provider.
	cdseTokenPrefix = "oidc/CDSE/"
)

// OpenEOConfig configures the openEO client.
type OpenEOConfig struct {
	BackendURL string
	UDPURL     string
	Logger     *slog.Logger
}

// OpenEO runs the BIOPAR process synchronously on an openEO backend. It is
// the only source for CCC and CWC.
type OpenEO struct {
	base    *BaseClient
	tokens  TokenSource
	backend string
	udp     string
	logger  *slog.Logger
}

// NewOpenEO creates an openEO client.
func NewOpenEO(base *BaseClient, tokens TokenSource, cfg OpenEOConfig) *OpenEO {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	udp := cfg.UDPURL
	if udp == "" {
		udp = DefaultBioparUDP
	}
	return &OpenEO{
		base:    base,
		tokens:  tokens,
		backend: NormalizeBackendURL(cfg.BackendURL),
		udp:     udp,
		logger:  logger,
	}
}

// NormalizeBackendURL defaults the host and adds an https scheme when the
// value has none.
func NormalizeBackendURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		u = DefaultOpenEOHost
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}

// Backend returns the normalized backend URL.
func (c *OpenEO) Backend() string { return c.backend }

// UDP returns the process namespace in use.
func (c *OpenEO) UDP() string { return c.udp }

// Mean returns the spatial mean of ind over the geometry for the period,
// averaged across every time step the backend returns. A nil result means
// the window had no valid pixels.
func (c *OpenEO) Mean(ctx context.Context, g types.Geometry, start, end string, ind types.Indicator) (*float64, error) {
	aoi := g.GeoJSON()
	graph := map[string]any{
		"biopar1": c.bioparNode(aoi, start, end, ind),
		"aggregate1": map[string]any{
			"process_id": "aggregate_spatial",
			"arguments": map[string]any{
				"data":       map[string]any{"from_node": "biopar1"},
				"geometries": aoi,
				"reducer": map[string]any{"process_graph": map[string]any{
					"mean1": map[string]any{
						"process_id": "mean",
						"arguments": map[string]any{
							"data":          map[string]any{"from_parameter": "data"},
							"ignore_nodata": true,
						},
						"result": true,
					},
				}},
			},
		},
		"save1": saveNode("aggregate1", "JSON"),
	}

	body, err := c.run(ctx, graph, "application/json")
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "openEO result is not valid JSON", err)
	}
	values := finiteNumbers(doc, nil)
	if len(values) == 0 {
		return nil, nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return types.Float(sum / float64(len(values))), nil
}

// Raster returns the BIOPAR GeoTIFF for the period.
func (c *OpenEO) Raster(ctx context.Context, g types.Geometry, start, end string, ind types.Indicator) ([]byte, error) {
	graph := map[string]any{
		"biopar1": c.bioparNode(g.GeoJSON(), start, end, ind),
		"save1":   saveNode("biopar1", "GTiff"),
	}
	body, err := c.run(ctx, graph, "image/tiff")
	if err != nil {
		return nil, err
	}
	if reason := checkTIFF(body); reason != "" {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNoData,
			fmt.Sprintf("openEO returned no usable %s raster for %s..%s", ind, start, end), nil,
			map[string]any{"reason": reason, "bytes": len(body)})
	}
	return body, nil
}

func (c *OpenEO) bioparNode(aoi types.Polygon, start, end string, ind types.Indicator) map[string]any {
	return map[string]any{
		"process_id": "biopar",
		"namespace":  c.udp,
		"arguments": map[string]any{
			"temporal_extent": []string{start, end},
			"spatial_extent":  aoi,
			"biopar_type":     string(ind),
		},
	}
}

func saveNode(from, format string) map[string]any {
	return map[string]any{
		"process_id": "save_result",
		"arguments": map[string]any{
			"data":   map[string]any{"from_node": from},
			"format": format,
		},
		"result": true,
	}
}

type openEOError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// run posts a process graph to the synchronous /result endpoint.
func (c *OpenEO) run(ctx context.Context, graph map[string]any, accept string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"process": map[string]any{"process_graph": graph}})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode process graph", err)
	}

	resp, err := doAuthorized(ctx, c.base, c.tokens, cdseTokenPrefix, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backend+"/result", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", accept)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "failed to read openEO response", err)
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	var apiErr openEOError
	_ = json.Unmarshal(body, &apiErr)
	c.logger.WarnContext(ctx, "openEO request failed",
		"status", resp.StatusCode, "code", apiErr.Code, "message", truncate(apiErr.Message, 300))

	// openEO reports empty collections as job errors with any status.
	if mentionsAny(apiErr.Message, openEONoDataPhrases) || strings.EqualFold(apiErr.Code, "NoDataAvailable") {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNoData,
			"no satellite data available for the requested area and period", nil,
			map[string]any{"provider": c.base.provider, "upstream_code": apiErr.Code})
	}
	if resp.StatusCode == http.StatusBadRequest {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationUpstreamRequest,
			fmt.Sprintf("openEO rejected the process graph: %s", truncate(apiErr.Message, 500)), nil,
			map[string]any{"provider": c.base.provider, "upstream_code": apiErr.Code})
	}
	return nil, ClassifyResponse(c.base.provider, resp.StatusCode, body)
}

// finiteNumbers collects every finite number in a decoded JSON document in
// traversal order. Object keys are visited sorted so the order is stable.
func finiteNumbers(v any, out []float64) []float64 {
	switch t := v.(type) {
	case float64:
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			out = append(out, t)
		}
	case []any:
		for _, e := range t {
			out = finiteNumbers(e, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			out = finiteNumbers(t[k], out)
		}
	}
	return out
}
