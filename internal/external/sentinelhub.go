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
	"strings"
	"time"

	"vegwatch/internal/types"
)

// Sentinel Hub endpoints on the Copernicus Data Space.
const (
	DefaultProcessURL    = "https://sh.dataspace.copernicus.eu/api/v1/process"
	DefaultStatisticsURL = "https://sh.dataspace.copernicus.eu/api/v1/statistics"

	crsWGS84 = "http://www.opengis.net/def/crs/EPSG/0/4326"
	// MinRasterBytes is the size below which a TIFF response is treated as empty.
	MinRasterBytes = 1000
)

// SentinelHubConfig configures the Processing and Statistical API client.
type SentinelHubConfig struct {
	ProcessURL    string
	StatisticsURL string
	// FetchMaxRetries bounds re-fetches of undersized or non-TIFF rasters.
	FetchMaxRetries int
	Logger          *slog.Logger
}

// SentinelHub talks to the Sentinel Hub Processing and Statistical APIs.
type SentinelHub struct {
	base         *BaseClient
	tokens       TokenSource
	processURL   string
	statsURL     string
	fetchRetries int
	logger       *slog.Logger
}

// NewSentinelHub creates a Sentinel Hub client.
func NewSentinelHub(base *BaseClient, tokens TokenSource, cfg SentinelHubConfig) *SentinelHub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	processURL := cfg.ProcessURL
	if processURL == "" {
		processURL = DefaultProcessURL
	}
	statsURL := cfg.StatisticsURL
	if statsURL == "" {
		statsURL = DefaultStatisticsURL
	}
	return &SentinelHub{
		base:         base,
		tokens:       tokens,
		processURL:   processURL,
		statsURL:     statsURL,
		fetchRetries: max(0, cfg.FetchMaxRetries),
		logger:       logger,
	}
}

// ProcessRequest describes a single-band raster render.
type ProcessRequest struct {
	Geometry         types.Geometry
	Start            string
	End              string
	Width            int
	Height           int
	MaxCloudCoverage float64
	Mosaicking       string
	Harmonize        bool
	Evalscript       string
}

// StatisticsRequest describes a per-window statistics query.
type StatisticsRequest struct {
	Geometry         types.Geometry
	Start            string
	End              string
	AggregationDays  int
	Width            int
	Height           int
	MaxCloudCoverage float64
	Evalscript       string
	OutputID         string
}

// HistogramRequest describes a single-interval histogram query.
type HistogramRequest struct {
	Geometry         types.Geometry
	Start            string
	End              string
	Width            int
	Height           int
	MaxCloudCoverage float64
	Evalscript       string
	OutputID         string
	Edges            []float64
}

// HistogramBin is one bucket of the upstream histogram.
type HistogramBin struct {
	Low   float64 `json:"lowEdge"`
	High  float64 `json:"highEdge"`
	Count int64   `json:"count"`
}

// Histogram is the summed histogram over every returned interval.
type Histogram struct {
	Bins      []HistogramBin
	Overflow  int64
	Underflow int64
}

// Process renders a raster and returns the validated TIFF bytes.
// Undersized or non-TIFF responses are re-fetched up to FetchMaxRetries
// times and then reported as no data.
func (c *SentinelHub) Process(ctx context.Context, r ProcessRequest) ([]byte, error) {
	payload := map[string]any{
		"input": map[string]any{
			"bounds": bounds(r.Geometry),
			"data": []any{map[string]any{
				"type": "sentinel-2-l2a",
				"dataFilter": map[string]any{
					"timeRange":        timeRange(r.Start, r.End),
					"maxCloudCoverage": r.MaxCloudCoverage,
					"mosaickingOrder":  r.Mosaicking,
				},
				"processing": map[string]any{
					"harmonizeValues": r.Harmonize,
					"upsampling":      "BILINEAR",
					"downsampling":    "BILINEAR",
				},
			}},
		},
		"output": map[string]any{
			"width":  r.Width,
			"height": r.Height,
			"responses": []any{map[string]any{
				"identifier": "default",
				"format":     map[string]any{"type": "image/tiff"},
			}},
		},
		"evalscript": r.Evalscript,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode process request", err)
	}

	for attempt := 0; ; attempt++ {
		data, err := c.post(ctx, c.processURL, body, "image/tiff")
		if err != nil {
			return nil, err
		}
		reason := checkTIFF(data)
		if reason == "" {
			return data, nil
		}
		if attempt >= c.fetchRetries {
			c.logger.WarnContext(ctx, "raster still invalid after retries",
				"reason", reason, "bytes", len(data), "attempts", attempt+1)
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNoData,
				"no satellite data available for the requested area and period", nil,
				map[string]any{"reason": reason, "bytes": len(data)})
		}

		wait := c.base.computeBackoff(attempt, "")
		c.base.recorder.UpstreamRetry(c.base.provider, "invalid_raster")
		c.logger.WarnContext(ctx, "retrying invalid raster",
			"reason", reason, "bytes", len(data), "attempt", attempt+1, "wait", wait)
		c.base.sleepFn(wait)
	}
}

type statsResponse struct {
	Status string `json:"status"`
	Data   []struct {
		Interval struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"interval"`
		Outputs map[string]struct {
			Bands map[string]struct {
				Stats struct {
					Mean        upstreamFloat            `json:"mean"`
					Min         upstreamFloat            `json:"min"`
					Max         upstreamFloat            `json:"max"`
					StDev       upstreamFloat            `json:"stDev"`
					SampleCount int64                    `json:"sampleCount"`
					NoDataCount int64                    `json:"noDataCount"`
					Percentiles map[string]upstreamFloat `json:"percentiles"`
				} `json:"stats"`
				Histogram struct {
					Bins           []HistogramBin `json:"bins"`
					OverflowCount  int64          `json:"overflowCount"`
					UnderflowCount int64          `json:"underflowCount"`
				} `json:"histogram"`
			} `json:"bands"`
		} `json:"outputs"`
		Error *struct {
			Type string `json:"type"`
		} `json:"error,omitempty"`
	} `json:"data"`
}

// Statistics returns one observation per aggregation window. Windows the
// upstream reports without statistics are kept as null observations dated at
// the window end.
func (c *SentinelHub) Statistics(ctx context.Context, r StatisticsRequest) (types.Timeline, error) {
	payload := map[string]any{
		"input": map[string]any{
			"bounds": bounds(r.Geometry),
			"data": []any{map[string]any{
				"type":       "sentinel-2-l2a",
				"dataFilter": map[string]any{"maxCloudCoverage": r.MaxCloudCoverage},
				"processing": map[string]any{"harmonizeValues": true},
			}},
		},
		"aggregation": map[string]any{
			"timeRange":           timeRange(r.Start, r.End),
			"aggregationInterval": map[string]any{"of": fmt.Sprintf("P%dD", r.AggregationDays)},
			"evalscript":          r.Evalscript,
			"width":               r.Width,
			"height":              r.Height,
		},
		"calculations": map[string]any{
			"default": map[string]any{
				"statistics": map[string]any{
					"default": map[string]any{
						"percentiles": map[string]any{"k": types.PercentileKeys},
					},
				},
			},
		},
	}

	resp, err := c.statistical(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, types.NewAppError(types.ErrCodeNoData,
			fmt.Sprintf("no valid observations for %s..%s", r.Start, r.End), nil)
	}

	timeline := make(types.Timeline, 0, len(resp.Data))
	for _, d := range resp.Data {
		obs := types.Observation{Date: windowEnd(d.Interval.From, d.Interval.To, r.End)}
		if out, ok := d.Outputs[r.OutputID]; ok && d.Error == nil {
			if band, ok := out.Bands["B0"]; ok && band.Stats.Mean.Value != nil {
				s := band.Stats
				obs.Mean, obs.Min, obs.Max, obs.Std = s.Mean.Value, s.Min.Value, s.Max.Value, s.StDev.Value
				if len(s.Percentiles) > 0 {
					obs.Percentiles = &types.Percentiles{
						P10: s.Percentiles["10.0"].Value,
						P25: s.Percentiles["25.0"].Value,
						P50: s.Percentiles["50.0"].Value,
						P75: s.Percentiles["75.0"].Value,
						P90: s.Percentiles["90.0"].Value,
					}
				}
			}
		}
		timeline = append(timeline, obs)
	}
	return timeline, nil
}

// Histogram runs a histogram calculation over the whole period.
func (c *SentinelHub) Histogram(ctx context.Context, r HistogramRequest) (*Histogram, error) {
	days := 1
	if s, e, err := parseDates(r.Start, r.End); err == nil {
		// One interval spanning the range; P0D is rejected upstream.
		days = int(e.Sub(s).Hours()/24) + 1
	}

	payload := map[string]any{
		"input": map[string]any{
			"bounds": bounds(r.Geometry),
			"data": []any{map[string]any{
				"type":       "sentinel-2-l2a",
				"dataFilter": map[string]any{"maxCloudCoverage": r.MaxCloudCoverage},
				"processing": map[string]any{"harmonizeValues": true},
			}},
		},
		"aggregation": map[string]any{
			"timeRange":           timeRange(r.Start, r.End),
			"aggregationInterval": map[string]any{"of": fmt.Sprintf("P%dD", days)},
			"evalscript":          r.Evalscript,
			"width":               r.Width,
			"height":              r.Height,
		},
		"calculations": map[string]any{
			r.OutputID: map[string]any{
				"histograms": map[string]any{
					"default": map[string]any{"bins": r.Edges},
				},
			},
		},
	}

	resp, err := c.statistical(ctx, payload)
	if err != nil {
		return nil, err
	}

	h := &Histogram{}
	for _, d := range resp.Data {
		out, ok := d.Outputs[r.OutputID]
		if !ok {
			continue
		}
		band, ok := out.Bands["B0"]
		if !ok {
			continue
		}
		h.Overflow += band.Histogram.OverflowCount
		h.Underflow += band.Histogram.UnderflowCount
		for i, b := range band.Histogram.Bins {
			if i < len(h.Bins) {
				h.Bins[i].Count += b.Count
			} else {
				h.Bins = append(h.Bins, b)
			}
		}
	}
	if len(h.Bins) == 0 {
		return nil, types.NewAppError(types.ErrCodeNoData,
			fmt.Sprintf("no histogram data for %s..%s", r.Start, r.End), nil)
	}
	return h, nil
}

func (c *SentinelHub) statistical(ctx context.Context, payload map[string]any) (*statsResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode statistics request", err)
	}
	raw, err := c.post(ctx, c.statsURL, body, "application/json")
	if err != nil {
		return nil, err
	}

	var resp statsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "statistics response is not valid JSON", err)
	}
	if resp.Status != "OK" {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamInvalidResponse,
			"statistical API returned a non-OK status", nil,
			map[string]any{"status": resp.Status})
	}
	return &resp, nil
}

// post sends an authorized JSON request and returns the 200 body.
func (c *SentinelHub) post(ctx context.Context, url string, body []byte, accept string) ([]byte, error) {
	resp, err := doAuthorized(ctx, c.base, c.tokens, "", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "failed to read upstream response", err)
	}
	if resp.StatusCode != http.StatusOK {
		appErr := ClassifyResponse(c.base.provider, resp.StatusCode, data)
		c.logger.WarnContext(ctx, "sentinel hub request failed",
			"status", resp.StatusCode, "kind", appErr.Kind(), "url", url)
		return nil, appErr
	}
	return data, nil
}

func bounds(g types.Geometry) map[string]any {
	b := map[string]any{"properties": map[string]any{"crs": crsWGS84}}
	if g.Polygon != nil {
		b["geometry"] = g.Polygon.Rounded()
	} else {
		b["bbox"] = g.BBox.Rounded().Slice()
	}
	return b
}

func timeRange(start, end string) map[string]string {
	return map[string]string{
		"from": start + "T00:00:00Z",
		"to":   end + "T23:59:59Z",
	}
}

// checkTIFF returns why data is not a usable TIFF, or "" when it is.
func checkTIFF(data []byte) string {
	if len(data) < MinRasterBytes {
		return "undersized"
	}
	switch {
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return ""
	case bytes.HasPrefix(data, []byte("II+\x00")), bytes.HasPrefix(data, []byte("MM\x00+")):
		return "" // BigTIFF
	}
	return "bad_magic"
}

// windowEnd dates a statistics interval at its last day. The upstream "to"
// is exclusive, so a midnight boundary belongs to the previous day. The
// result never passes the requested end.
func windowEnd(from, to, requestEnd string) string {
	t, err := time.Parse(time.RFC3339, to)
	if err != nil {
		if len(from) >= 10 {
			return from[:10]
		}
		return requestEnd
	}
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		t = t.Add(-time.Second)
	}
	date := t.Format(types.DateLayout)
	if requestEnd != "" && strings.Compare(date, requestEnd) > 0 {
		return requestEnd
	}
	return date
}

func parseDates(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(types.DateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := time.Parse(types.DateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return s, e, nil
}

// upstreamFloat decodes a statistic that may be a number, null, or one of
// the strings "NaN", "Infinity", "-Infinity". Only finite numbers are kept.
type upstreamFloat struct {
	Value *float64
}

func (f *upstreamFloat) UnmarshalJSON(b []byte) error {
	f.Value = nil
	if bytes.Equal(b, []byte("null")) || (len(b) > 0 && b[0] == '"') {
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if !math.IsNaN(v) && !math.IsInf(v, 0) {
		f.Value = &v
	}
	return nil
}
