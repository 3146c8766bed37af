// Package config defines the configuration of the vegwatch processes.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> *_FILE secret files (Lowest)
//
// Any invalid value fails startup.
package config

import (
	"time"

	"vegwatch/internal/types"
)

// Config is the top-level configuration struct. Sub-components receive only
// the sections they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"vegwatch-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	CDSE          CDSEConfig
	OpenEO        OpenEOConfig
	Retry         RetryConfig
	Resolution    ResolutionConfig
	Cache         CacheConfig
	Jobs          JobsConfig
	Events        EventsConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo `ignored:"true"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8000"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"240s" validate:"gt=0"`
	SlowRequestMS      int           `envconfig:"LOG_SLOW_REQUESTS_MS" default:"1000" validate:"gte=0"`
	CorsOrigins        []string      `envconfig:"CORS_ORIGINS" default:"*"`
	RateLimitEnabled   bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60" validate:"gt=0"`
	GzipEnabled        bool          `envconfig:"GZIP_ENABLED" default:"true"`
}

// SlowRequestThreshold is the latency above which requests log at WARN.
func (s ServerConfig) SlowRequestThreshold() time.Duration {
	return time.Duration(s.SlowRequestMS) * time.Millisecond
}

// CDSEConfig holds the Copernicus Data Space credentials and Sentinel Hub
// endpoints. Empty URLs fall back to the client defaults.
type CDSEConfig struct {
	ClientID      string       `envconfig:"CDSE_CLIENT_ID" validate:"required"`
	ClientSecret  SecretString `envconfig:"CDSE_CLIENT_SECRET" validate:"required"`
	TokenURL      string       `envconfig:"CDSE_TOKEN_URL" validate:"omitempty,url"`
	ProcessURL    string       `envconfig:"SH_PROCESS_URL" validate:"omitempty,url"`
	StatisticsURL string       `envconfig:"SH_STATISTICS_URL" validate:"omitempty,url"`

	TokenTimeout      time.Duration `envconfig:"TOKEN_TIMEOUT" default:"30s"`
	RequestTimeout    time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"180s"`
	DownloadTimeout   time.Duration `envconfig:"HTTP_DOWNLOAD_TIMEOUT" default:"300s"`
	RequestsPerSecond float64       `envconfig:"UPSTREAM_REQUESTS_PER_SECOND" default:"5" validate:"gte=0"`
}

// OpenEOConfig holds the openEO backend settings used for CCC and CWC.
type OpenEOConfig struct {
	// BackendURL is normalised to carry a scheme during load.
	BackendURL string        `envconfig:"OPENEO_BACKEND_URL" default:"openeo.dataspace.copernicus.eu"`
	Timeout    time.Duration `envconfig:"OPENEO_TIMEOUT" default:"600s"`
	UDPURL     string        `envconfig:"BIOPAR_UDP_URL" validate:"omitempty,url"`
}

// RetryConfig drives the upstream retry policy.
type RetryConfig struct {
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3" validate:"gte=0"`
	Delay           time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
	BackoffFactor   float64       `envconfig:"RETRY_BACKOFF_FACTOR" default:"2.0" validate:"gte=1"`
	MaxWait         time.Duration `envconfig:"RETRY_MAX_WAIT" default:"60s"`
	FetchMaxRetries int           `envconfig:"FETCH_MAX_RETRIES" default:"2" validate:"gte=0"`
}

// ResolutionConfig bounds the raster grids sent to each provider.
type ResolutionConfig struct {
	S2L2AMinMPP     float64 `envconfig:"S2L2A_MIN_MPP" default:"10" validate:"gt=0"`
	S2L2AMaxMPP     float64 `envconfig:"S2L2A_MAX_MPP" default:"1500" validate:"gtfield=S2L2AMinMPP"`
	BioparMinMPP    float64 `envconfig:"BIOPAR_MIN_MPP" default:"10" validate:"gt=0"`
	BioparMaxMPP    float64 `envconfig:"BIOPAR_MAX_MPP" default:"300" validate:"gtfield=BioparMinMPP"`
	BioparTargetMPP float64 `envconfig:"BIOPAR_TARGET_MPP" default:"60" validate:"gt=0"`
	MinPixels       int     `envconfig:"MIN_PIXELS" default:"64" validate:"gt=0"`
	MaxPixels       int     `envconfig:"MAX_PIXELS" default:"4096" validate:"gtfield=MinPixels"`
	MaxImagePixels  int     `envconfig:"MAX_IMAGE_PIXELS" default:"16000000" validate:"gt=0"`
}

// CacheConfig holds the artifact cache settings.
type CacheConfig struct {
	Dir            string        `envconfig:"CACHE_DIR" default:"./cache" validate:"required"`
	GeoTIFFTTL     time.Duration `envconfig:"CACHE_TTL_GEOTIFF" default:"168h"`
	StatsTTL       time.Duration `envconfig:"CACHE_TTL_STATS" default:"6h"`
	TimeseriesTTL  time.Duration `envconfig:"CACHE_TTL_TIMESERIES" default:"6h"`
	ReportTTL      time.Duration `envconfig:"CACHE_TTL_REPORTS" default:"24h"`
	LockTimeout    time.Duration `envconfig:"CACHE_LOCK_TIMEOUT" default:"30s"`
	MaxSizeMB      int64         `envconfig:"CACHE_MAX_SIZE_MB" default:"5000" validate:"gt=0"`
	CleanupAgeDays int           `envconfig:"CACHE_CLEANUP_AGE_DAYS" default:"30" validate:"gte=1"`
	WarningPct     float64       `envconfig:"CACHE_WARNING_THRESHOLD_PCT" default:"80" validate:"gt=0,lte=100"`
	CriticalPct    float64       `envconfig:"CACHE_CRITICAL_THRESHOLD_PCT" default:"95" validate:"gtfield=WarningPct,lte=100"`
	CleanupPattern string        `envconfig:"CACHE_CLEANUP_PATTERN" default:"**"`
	// MaintenanceInterval of zero disables the in-process maintenance loop.
	MaintenanceInterval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"1h"`
}

// JobsConfig holds the background job settings.
type JobsConfig struct {
	MaxHistory int           `envconfig:"JOB_MAX_HISTORY" default:"1000" validate:"gt=0"`
	Timeout    time.Duration `envconfig:"JOB_TIMEOUT" default:"15m" validate:"gt=0"`
	Retention  time.Duration `envconfig:"JOB_RETENTION" default:"24h"`
}

// EventsConfig holds the hazard feed settings. Empty URLs fall back to the
// provider defaults.
type EventsConfig struct {
	EONETURL    string        `envconfig:"EONET_URL" validate:"omitempty,url"`
	USGSURL     string        `envconfig:"USGS_URL" validate:"omitempty,url"`
	GDACSURL    string        `envconfig:"GDACS_URL" validate:"omitempty,url"`
	GDACSRSSURL string        `envconfig:"GDACS_RSS_URL" validate:"omitempty,url"`
	FIRMSURLs   []string      `envconfig:"FIRMS_URLS" validate:"dive,url"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL_EVENTS" default:"600s"`
	CacheSize   int           `envconfig:"EVENTS_CACHE_SIZE" default:"256" validate:"gt=0"`
	DefaultBBox []float64     `envconfig:"DEFAULT_BBOX" default:"65.0,49.5,76.0,54.0" validate:"len=4"`

	USGSMinMagnitude   float64 `envconfig:"USGS_MIN_MAGNITUDE" default:"2.5"`
	FIRMSMinConfidence int     `envconfig:"FIRMS_MIN_CONFIDENCE" default:"0" validate:"gte=0,lte=100"`
	FIRMSLimit         int     `envconfig:"FIRMS_LIMIT" default:"2000" validate:"gt=0"`
}

// BBox returns DefaultBBox as a types.BBox.
func (e EventsConfig) BBox() types.BBox {
	var b types.BBox
	copy(b[:], e.DefaultBBox)
	return b
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled      bool   `envconfig:"METRICS_ENABLED" default:"true"`
	CloudWatchEnabled   bool   `envconfig:"CLOUDWATCH_ENABLED" default:"false"`
	CloudWatchNamespace string `envconfig:"CLOUDWATCH_NAMESPACE" default:"Vegwatch"`
	AWSRegion           string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required value or secret file was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

// Linker-injected build metadata, set with for example:
//
//	go build -ldflags "-X vegwatch/internal/config.version=1.2.3 \
//	    -X vegwatch/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
