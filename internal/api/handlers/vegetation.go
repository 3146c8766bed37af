package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"vegwatch/internal/analytics"
	"vegwatch/internal/cachekey"
	"vegwatch/internal/core"
	"vegwatch/internal/jobs"
	"vegwatch/internal/types"
	"vegwatch/internal/validation"
	"vegwatch/internal/vegetation"
)

// defaultBiopar is used when biopar_type is omitted.
const defaultBiopar = types.IndicatorFAPAR

// VegetationService is the contract of vegetation.Service used by the
// handler.
type VegetationService interface {
	Statistics(ctx context.Context, q vegetation.Query) (*vegetation.StatisticsResult, error)
	Timeseries(ctx context.Context, q vegetation.Query) (*vegetation.TimeseriesResult, error)
	Histogram(ctx context.Context, q vegetation.Query, edges []float64) (*vegetation.HistogramResult, error)
	GeoTIFF(ctx context.Context, q vegetation.RasterQuery) (*vegetation.RasterResult, error)
	SubmitGeoTIFF(ctx context.Context, q vegetation.RasterQuery) (jobs.Job, error)
	Report(ctx context.Context, rq vegetation.ReportQuery) (*vegetation.Report, error)
	Artifact(name string) (*vegetation.Artifact, error)
}

// VegetationHandler serves the NDVI, BIOPAR and artifact routes.
type VegetationHandler struct {
	service   VegetationService
	validator *core.Validator
	logger    *slog.Logger
}

// NewVegetationHandler creates a VegetationHandler.
func NewVegetationHandler(svc VegetationService, val *core.Validator, logger *slog.Logger) *VegetationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if val == nil {
		val = core.NewValidator()
	}
	return &VegetationHandler{service: svc, validator: val, logger: logger}
}

// RegisterRoutes mounts the vegetation endpoints. The router is expected to
// be the /api/v1 sub-router.
func (h *VegetationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/ndvi", func(r chi.Router) {
		r.Get("/statistics", h.HandleNDVIStatistics)
		r.Get("/timeseries", h.HandleNDVITimeseries)
		r.Get("/histogram", h.HandleNDVIHistogram)
		r.Get("/geotiff", h.HandleNDVIGeoTIFF)
		r.Post("/geotiff/jobs", h.HandleNDVIGeoTIFFJob)
		r.Get("/report", h.HandleNDVIReport)
		r.Get("/zones", h.HandleNDVIZones)
	})
	r.Route("/biopar", func(r chi.Router) {
		r.Get("/stats", h.HandleBioparStats)
		r.Get("/timeseries", h.HandleBioparTimeseries)
		r.Get("/geotiff", h.HandleBioparGeoTIFF)
		r.Post("/geotiff/jobs", h.HandleBioparGeoTIFFJob)
		r.Get("/report", h.HandleBioparReport)
	})
	r.Get("/files/{name}", h.HandleFile)
	r.Head("/files/{name}", h.HandleFile)
}

// ---- query parsing ----

// parseQuery reads geometry, start, end, agg and max_cloud for ind.
func parseQuery(p queryParams, ind types.Indicator) (vegetation.Query, error) {
	geom, err := p.geometry()
	if err != nil {
		return vegetation.Query{}, err
	}
	start, err := p.date("start")
	if err != nil {
		return vegetation.Query{}, err
	}
	end, err := p.date("end")
	if err != nil {
		return vegetation.Query{}, err
	}
	agg, err := p.intParam("agg", 0, types.MinAggregateDays, types.MaxAggregateDays)
	if err != nil {
		return vegetation.Query{}, err
	}
	cloud, err := p.floatParam("max_cloud")
	if err != nil {
		return vegetation.Query{}, err
	}
	return vegetation.Query{
		Geometry:         geom,
		Start:            start,
		End:              end,
		Indicator:        ind,
		AggregationDays:  agg,
		MaxCloudCoverage: cloud,
	}, nil
}

func parseRasterQuery(p queryParams, ind types.Indicator) (vegetation.RasterQuery, error) {
	q, err := parseQuery(p, ind)
	if err != nil {
		return vegetation.RasterQuery{}, err
	}
	width, err := p.intParam("width", 0, 1, types.MaxImagePixels)
	if err != nil {
		return vegetation.RasterQuery{}, err
	}
	height, err := p.intParam("height", 0, 1, types.MaxImagePixels)
	if err != nil {
		return vegetation.RasterQuery{}, err
	}
	if (width == 0) != (height == 0) {
		return vegetation.RasterQuery{}, types.NewAppError(types.ErrCodeValidationImageSize,
			"width and height must be given together", nil)
	}
	mpp, err := p.floatParam("target_mpp")
	if err != nil {
		return vegetation.RasterQuery{}, err
	}
	rq := vegetation.RasterQuery{
		Query:      q,
		Width:      width,
		Height:     height,
		Mosaicking: p.str("mosaicking"),
	}
	if mpp != nil {
		if *mpp <= 0 {
			return vegetation.RasterQuery{}, types.NewAppError(types.ErrCodeValidationOutOfRange,
				"target_mpp must be positive", nil)
		}
		rq.TargetMPP = *mpp
	}
	return rq, nil
}

func parseReportQuery(p queryParams, ind types.Indicator) (vegetation.ReportQuery, error) {
	geom, err := p.geometry()
	if err != nil {
		return vegetation.ReportQuery{}, err
	}
	date, err := p.date("date")
	if err != nil {
		return vegetation.ReportQuery{}, err
	}
	period, err := p.intParam("period_days", vegetation.DefaultReportPeriodDays, 1, types.MaxDateRangeDays)
	if err != nil {
		return vegetation.ReportQuery{}, err
	}
	cloud, err := p.floatParam("max_cloud")
	if err != nil {
		return vegetation.ReportQuery{}, err
	}
	return vegetation.ReportQuery{
		Geometry:         geom,
		Date:             date,
		PeriodDays:       period,
		Indicator:        ind,
		MaxCloudCoverage: cloud,
	}, nil
}

func bioparType(p queryParams) (types.Indicator, error) {
	raw := p.str("biopar_type")
	if raw == "" {
		return defaultBiopar, nil
	}
	return types.ParseBiopar(raw)
}

// ---- NDVI ----

// HandleNDVIStatistics handles GET /api/v1/ndvi/statistics.
func (h *VegetationHandler) HandleNDVIStatistics(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(newQueryParams(r.URL.Query()), types.IndicatorNDVI)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.service.Statistics(r.Context(), q)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

// HandleNDVITimeseries handles GET /api/v1/ndvi/timeseries.
func (h *VegetationHandler) HandleNDVITimeseries(w http.ResponseWriter, r *http.Request) {
	h.timeseries(w, r, func(queryParams) (types.Indicator, error) { return types.IndicatorNDVI, nil })
}

// HandleNDVIHistogram handles GET /api/v1/ndvi/histogram. bins is an optional
// comma-separated list of ascending edges.
func (h *VegetationHandler) HandleNDVIHistogram(w http.ResponseWriter, r *http.Request) {
	p := newQueryParams(r.URL.Query())
	q, err := parseQuery(p, types.IndicatorNDVI)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var edges []float64
	if raw := p.str("bins"); raw != "" {
		if edges, err = validation.Bins(raw); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	res, err := h.service.Histogram(r.Context(), q, edges)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

// HandleNDVIGeoTIFF handles GET /api/v1/ndvi/geotiff.
func (h *VegetationHandler) HandleNDVIGeoTIFF(w http.ResponseWriter, r *http.Request) {
	h.geotiff(w, r, func(queryParams) (types.Indicator, error) { return types.IndicatorNDVI, nil })
}

// HandleNDVIGeoTIFFJob handles POST /api/v1/ndvi/geotiff/jobs.
func (h *VegetationHandler) HandleNDVIGeoTIFFJob(w http.ResponseWriter, r *http.Request) {
	h.submitJob(w, r, false)
}

// HandleNDVIReport handles GET /api/v1/ndvi/report.
func (h *VegetationHandler) HandleNDVIReport(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, func(queryParams) (types.Indicator, error) { return types.IndicatorNDVI, nil })
}

type zonesResponse struct {
	Region string           `json:"region"`
	Zones  []analytics.Zone `json:"zones"`
}

// HandleNDVIZones handles GET /api/v1/ndvi/zones.
func (h *VegetationHandler) HandleNDVIZones(w http.ResponseWriter, r *http.Request) {
	geom, err := newQueryParams(r.URL.Query()).geometry()
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, zonesResponse{
		Region: analytics.Region,
		Zones:  analytics.AgriculturalZones(geom.BBox),
	})
}

// ---- BIOPAR ----

// HandleBioparStats handles GET /api/v1/biopar/stats.
func (h *VegetationHandler) HandleBioparStats(w http.ResponseWriter, r *http.Request) {
	p := newQueryParams(r.URL.Query())
	ind, err := bioparType(p)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	q, err := parseQuery(p, ind)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.service.Statistics(r.Context(), q)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

// HandleBioparTimeseries handles GET /api/v1/biopar/timeseries.
func (h *VegetationHandler) HandleBioparTimeseries(w http.ResponseWriter, r *http.Request) {
	h.timeseries(w, r, bioparType)
}

// HandleBioparGeoTIFF handles GET /api/v1/biopar/geotiff.
func (h *VegetationHandler) HandleBioparGeoTIFF(w http.ResponseWriter, r *http.Request) {
	h.geotiff(w, r, bioparType)
}

// HandleBioparGeoTIFFJob handles POST /api/v1/biopar/geotiff/jobs.
func (h *VegetationHandler) HandleBioparGeoTIFFJob(w http.ResponseWriter, r *http.Request) {
	h.submitJob(w, r, true)
}

// HandleBioparReport handles GET /api/v1/biopar/report.
func (h *VegetationHandler) HandleBioparReport(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, bioparType)
}

// ---- shared ----

type indicatorFunc func(queryParams) (types.Indicator, error)

func (h *VegetationHandler) timeseries(w http.ResponseWriter, r *http.Request, indicator indicatorFunc) {
	p := newQueryParams(r.URL.Query())
	ind, err := indicator(p)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	q, err := parseQuery(p, ind)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.service.Timeseries(r.Context(), q)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

func (h *VegetationHandler) geotiff(w http.ResponseWriter, r *http.Request, indicator indicatorFunc) {
	p := newQueryParams(r.URL.Query())
	ind, err := indicator(p)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	q, err := parseRasterQuery(p, ind)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.service.GeoTIFF(r.Context(), q)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

func (h *VegetationHandler) report(w http.ResponseWriter, r *http.Request, indicator indicatorFunc) {
	p := newQueryParams(r.URL.Query())
	ind, err := indicator(p)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	rq, err := parseReportQuery(p, ind)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.service.Report(r.Context(), rq)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

// geotiffJobRequest is the body of POST .../geotiff/jobs. Exactly one of
// BBox and Polygon locates the area.
type geotiffJobRequest struct {
	BBox       []float64       `json:"bbox" validate:"omitempty,len=4"`
	Polygon    json.RawMessage `json:"polygon"`
	Start      string          `json:"start" validate:"required"`
	End        string          `json:"end" validate:"required"`
	BioparType string          `json:"biopar_type"`
	Width      int             `json:"width" validate:"gte=0"`
	Height     int             `json:"height" validate:"gte=0"`
	TargetMPP  float64         `json:"target_mpp" validate:"gte=0"`
	MaxCloud   *float64        `json:"max_cloud" validate:"omitempty,gte=0,lte=100"`
	Mosaicking string          `json:"mosaicking" validate:"omitempty,oneof=leastCC mostRecent leastRecent"`
}

func (req geotiffJobRequest) rasterQuery(biopar bool) (vegetation.RasterQuery, error) {
	var geom types.Geometry
	switch {
	case len(req.Polygon) > 0:
		p, err := validation.ParsePolygon(req.Polygon)
		if err != nil {
			return vegetation.RasterQuery{}, err
		}
		geom = types.NewPolygonGeometry(p)
	case len(req.BBox) == 4:
		b := types.BBox{req.BBox[0], req.BBox[1], req.BBox[2], req.BBox[3]}
		if err := validation.BBox(b); err != nil {
			return vegetation.RasterQuery{}, err
		}
		geom = types.NewBBoxGeometry(b)
	default:
		return vegetation.RasterQuery{}, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"bbox or polygon is required", nil, map[string]any{"fields": map[string]any{"bbox": "required"}})
	}
	if (req.Width == 0) != (req.Height == 0) {
		return vegetation.RasterQuery{}, types.NewAppError(types.ErrCodeValidationImageSize,
			"width and height must be given together", nil)
	}

	ind := types.IndicatorNDVI
	if biopar {
		ind = defaultBiopar
		if req.BioparType != "" {
			parsed, err := types.ParseBiopar(req.BioparType)
			if err != nil {
				return vegetation.RasterQuery{}, err
			}
			ind = parsed
		}
	}
	return vegetation.RasterQuery{
		Query: vegetation.Query{
			Geometry:         geom,
			Start:            req.Start,
			End:              req.End,
			Indicator:        ind,
			MaxCloudCoverage: req.MaxCloud,
		},
		Width:      req.Width,
		Height:     req.Height,
		TargetMPP:  req.TargetMPP,
		Mosaicking: req.Mosaicking,
	}, nil
}

type jobAcceptedResponse struct {
	JobID     string      `json:"job_id"`
	JobType   string      `json:"job_type"`
	Status    jobs.Status `json:"status"`
	StatusURL string      `json:"status_url"`
	Filename  string      `json:"filename,omitempty"`
	FileURL   string      `json:"file_url,omitempty"`
}

func (h *VegetationHandler) submitJob(w http.ResponseWriter, r *http.Request, biopar bool) {
	var req geotiffJobRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	q, err := req.rasterQuery(biopar)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	job, err := h.service.SubmitGeoTIFF(r.Context(), q)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	types.LoggerFromContext(r.Context(), h.logger).Info("raster job accepted",
		"job_id", job.ID, "job_type", job.Type, "indicator", q.Indicator)

	resp := jobAcceptedResponse{
		JobID:     job.ID,
		JobType:   job.Type,
		Status:    job.Status,
		StatusURL: "/jobs/" + job.ID,
	}
	if name, ok := job.Metadata["filename"].(string); ok {
		resp.Filename = name
		resp.FileURL = "/api/v1/files/" + name
	}
	w.Header().Set("Location", resp.StatusURL)
	core.JSON(w, r, http.StatusAccepted, resp)
}

// artifactContentTypes maps cached artifact extensions to media types.
var artifactContentTypes = map[string]string{
	"." + cachekey.ExtTIFF: "image/tiff",
	"." + cachekey.ExtJSON: "application/json",
}

// HandleFile handles GET and HEAD /api/v1/files/{name}. Names are checked
// by the service before the filesystem is touched; ranges and conditional
// requests are served by http.ServeContent.
func (h *VegetationHandler) HandleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	art, err := h.service.Artifact(name)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	f, err := os.Open(art.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundFile,
				fmt.Sprintf("artifact %s not found", name), err))
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalCacheIO, "failed to open artifact", err))
		return
	}
	defer f.Close()

	if ct, ok := artifactContentTypes[filepath.Ext(name)]; ok {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if art.Meta != nil {
		w.Header().Set("X-Artifact-Indicator", string(art.Meta.Indicator))
		w.Header().Set("X-Artifact-Source", art.Meta.Source)
	}
	http.ServeContent(w, r, name, art.ModTime, f)
}
