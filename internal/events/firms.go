package events

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"vegwatch/internal/external"
	"vegwatch/internal/types"
)

// DefaultFIRMSURLs are the public FIRMS active fire CSVs, tried in order.
// VIIRS usually carries more detections; MODIS is the fallback.
var DefaultFIRMSURLs = []string{
	"https://firms.modaps.eosdis.nasa.gov/active_fire/viirs/csv/VNP14IMGTDL_NRT_Global_24h.csv",
	"https://firms.modaps.eosdis.nasa.gov/active_fire/viirs/csv/VNP14IMGTDL_NRT_Global_48h.csv",
	"https://firms.modaps.eosdis.nasa.gov/active_fire/c6/csv/MODIS_C6_Global_24h.csv",
	"https://firms.modaps.eosdis.nasa.gov/active_fire/c6/csv/MODIS_C6_Global_48h.csv",
}

const (
	DefaultFIRMSPointLimit = 1000
	firmsHome              = "https://firms.modaps.eosdis.nasa.gov/"
)

// FIRMS reads NASA FIRMS active fire detections and folds them into a
// single wildfire event whose geometry lists every detection.
type FIRMS struct {
	base          *external.BaseClient
	urls          []string
	minConfidence int
	limit         int
	logger        *slog.Logger
}

// NewFIRMS creates the FIRMS provider. Empty urls select DefaultFIRMSURLs.
func NewFIRMS(base *external.BaseClient, urls []string, minConfidence, limit int, logger *slog.Logger) *FIRMS {
	if len(urls) == 0 {
		urls = DefaultFIRMSURLs
	}
	if limit <= 0 {
		limit = DefaultFIRMSPointLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FIRMS{base: base, urls: urls, minConfidence: minConfidence, limit: limit, logger: logger}
}

func (p *FIRMS) Name() string { return SourceFIRMS }

type detection struct {
	lon, lat   float64
	date       string
	confidence int
	frp        float64
}

// Fetch downloads the first available CSV and keeps the detections inside
// the bbox, strongest first. FIRMS feeds cover the last one or two days, so
// the query dates are ignored.
func (p *FIRMS) Fetch(ctx context.Context, q Query) (*Result, error) {
	data, err := p.download(ctx)
	if err != nil {
		return nil, err
	}
	dets, err := parseFIRMS(data, q.BBox, p.minConfidence)
	if err != nil {
		return nil, err
	}

	res := &Result{Events: []Event{}, Stats: newStats()}
	if len(dets) == 0 {
		return res, nil
	}
	sort.SliceStable(dets, func(i, j int) bool {
		if dets[i].confidence != dets[j].confidence {
			return dets[i].confidence > dets[j].confidence
		}
		return dets[i].frp > dets[j].frp
	})
	if len(dets) > p.limit {
		dets = dets[:p.limit]
	}

	geoms := make([]Geometry, len(dets))
	for i, d := range dets {
		geoms[i] = Geometry{Type: "Point", Coordinates: [2]float64{d.lon, d.lat}, Date: d.date}
	}
	res.Events = append(res.Events, Event{
		ID:          "firms_wildfires",
		Title:       fmt.Sprintf("Active fires (FIRMS): %d points", len(dets)),
		Description: "Thermal anomaly detections from NASA FIRMS (24-48 h).",
		Link:        firmsHome,
		Categories:  []Category{{ID: "wildfires", Title: "Wildfires"}},
		Geometry:    geoms,
		Sources:     []Source{{ID: "FIRMS"}},
	})
	res.Stats.Total = len(dets)
	res.Stats.InRegion = len(dets)
	res.Stats.ByCategory["wildfires"] = len(dets)
	return res, nil
}

// download returns the first candidate whose header row names a latitude
// column. Some mirrors answer 200 with an HTML placeholder.
func (p *FIRMS) download(ctx context.Context) ([]byte, error) {
	var lastErr error
	for _, u := range p.urls {
		body, err := get(ctx, p.base, u, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.DebugContext(ctx, "FIRMS candidate failed", "url", u, "error", err)
			lastErr = err
			continue
		}
		body = bytes.TrimSpace(body)
		header, _, _ := bytes.Cut(body, []byte("\n"))
		if bytes.Contains(bytes.ToLower(header), []byte("latitude")) {
			return body, nil
		}
		p.logger.DebugContext(ctx, "FIRMS candidate is not CSV", "url", u)
	}
	msg := "no FIRMS feed available"
	if lastErr != nil {
		msg = fmt.Sprintf("no FIRMS feed available: %v", lastErr)
	}
	return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, msg, lastErr)
}

func parseFIRMS(data []byte, bbox types.BBox, minConfidence int) ([]detection, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "malformed FIRMS csv", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	field := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var out []detection
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		lat, err1 := strconv.ParseFloat(field(row, "latitude"), 64)
		lon, err2 := strconv.ParseFloat(field(row, "longitude"), 64)
		if err1 != nil || err2 != nil || !bbox.Contains(lon, lat) {
			continue
		}
		conf := firmsConfidence(field(row, "confidence"))
		if conf < minConfidence {
			continue
		}
		frp, _ := strconv.ParseFloat(field(row, "frp"), 64)
		out = append(out, detection{
			lon:        lon,
			lat:        lat,
			date:       acquisitionTime(field(row, "acq_date"), field(row, "acq_time")),
			confidence: conf,
			frp:        frp,
		})
	}
	return out, nil
}

// firmsConfidence reads MODIS percentages and VIIRS low/nominal/high labels
// onto one 0-100 scale.
func firmsConfidence(raw string) int {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	switch strings.ToLower(raw) {
	case "low", "l":
		return 33
	case "nominal", "n":
		return 66
	case "high", "h":
		return 90
	default:
		return 50
	}
}

// acquisitionTime combines acq_date (YYYY-MM-DD or YYYY/MM/DD) and acq_time
// (HHMM) into an RFC 3339 UTC timestamp.
func acquisitionTime(date, hhmm string) string {
	d, err := time.Parse(types.DateLayout, strings.ReplaceAll(date, "/", "-"))
	if err != nil {
		return ""
	}
	if len(hhmm) < 4 {
		hhmm = strings.Repeat("0", 4-len(hhmm)) + hhmm
	}
	h, _ := strconv.Atoi(hhmm[:2])
	m, _ := strconv.Atoi(hhmm[2:4])
	return d.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute).UTC().Format(time.RFC3339)
}
