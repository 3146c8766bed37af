package vegetation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vegwatch/internal/cachekey"
	"vegwatch/internal/cachestore"
	"vegwatch/internal/evalscript"
	"vegwatch/internal/external"
	"vegwatch/internal/jobs"
	"vegwatch/internal/types"
	"vegwatch/internal/validation"
)

// Raster job steps, in order.
const (
	StepResolve = "resolve"
	StepFetch   = "fetch"
	StepPersist = "persist"

	rasterJobSteps = 3
)

// RasterQuery selects a single-band GeoTIFF render.
type RasterQuery struct {
	Query
	// Width and Height force the grid; both zero lets the resolution
	// selector choose from TargetMPP.
	Width     int
	Height    int
	TargetMPP float64
	// Mosaicking is leastCC, mostRecent or leastRecent. Empty selects leastCC.
	Mosaicking string
}

// RasterResult describes a cached GeoTIFF.
type RasterResult struct {
	Indicator    types.Indicator `json:"indicator"`
	Filename     string          `json:"filename"`
	URL          string          `json:"tiff_url"`
	Width        int             `json:"width"`
	Height       int             `json:"height"`
	EffectiveMPP float64         `json:"effective_mpp"`
	Bytes        int64           `json:"bytes"`
	Source       string          `json:"source"`
	BBox         types.BBox      `json:"bbox"`
	Period       types.DateRange `json:"period"`
	Cached       bool            `json:"cached"`
}

// rasterPlan is a validated raster query with its grid and cache name.
type rasterPlan struct {
	q            RasterQuery
	width        int
	height       int
	effectiveMPP float64
	name         string
}

func (s *Service) planRaster(q RasterQuery) (rasterPlan, error) {
	if err := s.validate(&q.Query); err != nil {
		return rasterPlan{}, err
	}
	switch q.Mosaicking {
	case "":
		q.Mosaicking = mosaickLeastCC
	case mosaickLeastCC, mosaickMostRecent, mosaickLeastRecent:
	default:
		return rasterPlan{}, types.NewAppError(types.ErrCodeValidationOutOfRange,
			fmt.Sprintf("mosaicking must be one of %s, %s, %s", mosaickLeastCC, mosaickMostRecent, mosaickLeastRecent), nil)
	}

	p := rasterPlan{q: q}
	if q.Width > 0 || q.Height > 0 {
		if err := validation.ImageDimensions(q.Width, q.Height, s.cfg.MaxImagePixels); err != nil {
			return rasterPlan{}, err
		}
		g := s.grid(q.Geometry.BBox, q.Indicator, 0)
		p.width, p.height = q.Width, q.Height
		p.effectiveMPP = types.RoundTo(max(g.WidthMeters/float64(q.Width), g.HeightMeters/float64(q.Height)), 2)
	} else {
		g := s.grid(q.Geometry.BBox, q.Indicator, q.TargetMPP)
		p.width, p.height = g.Width, g.Height
		p.effectiveMPP = types.RoundTo(g.EffectiveMPP, 2)
	}

	name, err := cachekey.Filename(cachekey.Request{
		Geometry:  q.Geometry,
		Start:     q.Start,
		End:       q.End,
		Indicator: q.Indicator,
		Version:   evalscript.Version(q.Indicator),
		Params: map[string]any{
			"width":              p.width,
			"height":             p.height,
			"max_cloud_coverage": *q.MaxCloudCoverage,
			"mosaicking":         q.Mosaicking,
		},
	}, cachekey.ExtTIFF)
	if err != nil {
		return rasterPlan{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to derive cache key", err)
	}
	p.name = name
	return p, nil
}

// GeoTIFF returns the cached raster for q, fetching it on a miss.
func (s *Service) GeoTIFF(ctx context.Context, q RasterQuery) (*RasterResult, error) {
	p, err := s.planRaster(q)
	if err != nil {
		return nil, err
	}
	return s.geotiff(ctx, p, nil)
}

// geotiff runs the fetch-and-persist half of a raster query. step, when
// non-nil, is called as each stage starts.
func (s *Service) geotiff(ctx context.Context, p rasterPlan, step func(string)) (*RasterResult, error) {
	if step == nil {
		step = func(string) {}
	}
	result := s.rasterResult(p)

	if meta, ok := s.freshArtifact(p.name); ok {
		s.recorder.CacheLookup("geotiff", "hit")
		result.Bytes, result.Source, result.Cached = meta.Bytes, meta.Source, true
		return result, nil
	}
	s.recorder.CacheLookup("geotiff", "miss")

	v, _, err := s.share(ctx, p.name, func(ctx context.Context) (any, error) {
		step(StepFetch)
		data, source, err := s.fetchRaster(ctx, p)
		if err != nil {
			return nil, err
		}

		step(StepPersist)
		err = s.store.WriteArtifact(ctx, p.name, data, cachestore.Sidecar{
			Indicator: p.q.Indicator,
			Start:     p.q.Start,
			End:       p.q.End,
			BBox:      p.q.Geometry.BBox,
			Width:     p.width,
			Height:    p.height,
			Version:   evalscript.Version(p.q.Indicator),
			Source:    source,
			Params: map[string]any{
				"max_cloud_coverage": *p.q.MaxCloudCoverage,
				"mosaicking":         p.q.Mosaicking,
				"effective_mpp":      p.effectiveMPP,
			},
			FetchedAt: s.now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "raster cached",
			"name", p.name, "indicator", p.q.Indicator, "bytes", len(data), "source", source)
		return rasterFetch{bytes: int64(len(data)), source: source}, nil
	})
	if err != nil {
		return nil, err
	}
	f := v.(rasterFetch)
	result.Bytes, result.Source = f.bytes, f.source
	return result, nil
}

type rasterFetch struct {
	bytes  int64
	source string
}

func (s *Service) rasterResult(p rasterPlan) *RasterResult {
	return &RasterResult{
		Indicator:    p.q.Indicator,
		Filename:     p.name,
		URL:          s.cfg.FilesPath + p.name,
		Width:        p.width,
		Height:       p.height,
		EffectiveMPP: p.effectiveMPP,
		BBox:         p.q.Geometry.BBox,
		Period:       p.q.period(),
	}
}

// freshArtifact reports whether the raster and its sidecar are present and
// within the GeoTIFF TTL. The sidecar is written last, so its presence means
// the raster is complete.
func (s *Service) freshArtifact(name string) (cachestore.Sidecar, bool) {
	meta, ok, err := s.store.ReadSidecar(name)
	if err != nil || !ok {
		return cachestore.Sidecar{}, false
	}
	if s.cfg.GeoTIFFTTL > 0 && s.now().Sub(meta.FetchedAt) > s.cfg.GeoTIFFTTL {
		return cachestore.Sidecar{}, false
	}
	return meta, s.store.Exists(name)
}

func (s *Service) fetchRaster(ctx context.Context, p rasterPlan) ([]byte, string, error) {
	if p.q.Indicator.UsesOpenEO() {
		if s.openeo == nil {
			return nil, "", types.NewAppError(types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("%s requires openEO, which is not configured", p.q.Indicator), nil)
		}
		data, err := s.openeo.Raster(ctx, p.q.Geometry, p.q.Start, p.q.End, p.q.Indicator)
		return data, "openeo", err
	}

	script, err := evalscript.Raster(p.q.Indicator, true)
	if err != nil {
		return nil, "", err
	}
	data, err := s.sh.Process(ctx, external.ProcessRequest{
		Geometry:         p.q.Geometry,
		Start:            p.q.Start,
		End:              p.q.End,
		Width:            p.width,
		Height:           p.height,
		MaxCloudCoverage: *p.q.MaxCloudCoverage,
		Mosaicking:       p.q.Mosaicking,
		Harmonize:        true,
		Evalscript:       script,
	})
	return data, "sentinelhub", err
}

// ---- Background raster jobs ----

func newJobID() string { return uuid.NewString() }

// SubmitGeoTIFF validates q, registers a job and renders the raster in the
// background. The returned job is the pending snapshot.
func (s *Service) SubmitGeoTIFF(ctx context.Context, q RasterQuery) (jobs.Job, error) {
	if s.tracker == nil {
		return jobs.Job{}, types.NewAppError(types.ErrCodeInternalUnexpected, "job tracker not configured", nil)
	}
	p, err := s.planRaster(q)
	if err != nil {
		return jobs.Job{}, err
	}

	jobType := JobTypeNDVIGeoTIFF
	if p.q.Indicator.IsBiopar() {
		jobType = JobTypeBioparGeoTIFF
	}
	job, err := s.tracker.Create(s.newID(), jobType, rasterJobSteps, map[string]any{
		"indicator": string(p.q.Indicator),
		"bbox":      p.q.Geometry.BBox.String(),
		"start":     p.q.Start,
		"end":       p.q.End,
		"filename":  p.name,
	})
	if err != nil {
		return jobs.Job{}, err
	}

	s.jobsWG.Add(1)
	go s.runRasterJob(context.WithoutCancel(ctx), job.ID, p)
	return job, nil
}

func (s *Service) runRasterJob(parent context.Context, id string, p rasterPlan) {
	defer s.jobsWG.Done()
	ctx, cancel := context.WithTimeout(types.WithJobID(parent, id), s.cfg.JobTimeout)
	defer cancel()

	logger := s.logger.With("job_id", id, "indicator", p.q.Indicator)
	if err := s.tracker.Start(id, "resolving grid"); err != nil {
		logger.WarnContext(ctx, "job start rejected", "error", err)
		return
	}

	s.jobStep(ctx, id, StepResolve)
	res, err := s.geotiff(ctx, p, func(step string) { s.jobStep(ctx, id, step) })
	if err != nil {
		logger.ErrorContext(ctx, "raster job failed", "error", err)
		if ferr := s.tracker.Fail(id, err.Error(), string(types.KindOf(err))); ferr != nil {
			logger.WarnContext(ctx, "failed to record job failure", "error", ferr)
		}
		return
	}
	if err := s.tracker.Complete(id, res, "raster ready"); err != nil {
		logger.WarnContext(ctx, "failed to record job completion", "error", err)
		return
	}
	logger.InfoContext(ctx, "raster job completed", "filename", res.Filename, "cached", res.Cached)
}

func (s *Service) jobStep(ctx context.Context, id, step string) {
	if err := s.tracker.UpdateProgress(id, jobs.Progress{Step: step, IncrementStep: true}); err != nil {
		s.logger.DebugContext(ctx, "progress update rejected", "job_id", id, "step", step, "error", err)
	}
}

// WaitJobs blocks until every background job has finished or ctx is done.
func (s *Service) WaitJobs(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.jobsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- Artifact files ----

// Artifact is a cached file resolved by name.
type Artifact struct {
	Name    string
	Path    string
	ModTime time.Time
	Meta    *cachestore.Sidecar
}

// Artifact resolves a cached artifact name to its path. Names that could not
// have been produced by the cache key deriver are rejected before touching the
// filesystem.
func (s *Service) Artifact(name string) (*Artifact, error) {
	if !cachekey.ValidFilename(name) {
		return nil, types.NewAppError(types.ErrCodeValidationOutOfRange, "invalid artifact name", nil)
	}
	info, ok := s.store.Stat(name)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundFile, fmt.Sprintf("artifact %s not found", name), nil)
	}
	a := &Artifact{Name: name, Path: s.store.Path(name), ModTime: info.ModTime()}
	if meta, ok, err := s.store.ReadSidecar(name); err == nil && ok && meta.Name == name {
		a.Meta = &meta
	}
	return a, nil
}
