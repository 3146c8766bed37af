package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"vegwatch/internal/types"
)

// testDeps returns OS-backed deps whose writes are undone after the test and
// which never read a .env file from the working directory.
func testDeps(t *testing.T) loaderDeps {
	t.Helper()
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv: func(k, v string) error {
			t.Setenv(k, v)
			return nil
		},
		environ:    os.Environ,
		loadDotenv: func() error { return nil },
	}
}

// unsetEnv removes key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("CDSE_CLIENT_ID", "sh-client")
	t.Setenv("CDSE_CLIENT_SECRET", "sh-secret")
}

func assertErrType(t *testing.T, err error, want ConfigErrorType) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Type != want {
		t.Errorf("error type = %s, want %s (%v)", cfgErr.Type, want, err)
	}
}

// ============================================================
// Defaults and overrides
// ============================================================

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadConfigWithDeps(nil, testDeps(t))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}

	if cfg.Server.Port != "8000" {
		t.Errorf("Server.Port = %q, want 8000", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 240*time.Second {
		t.Errorf("Server.RequestTimeout = %v, want 240s", cfg.Server.RequestTimeout)
	}
	if got := cfg.Server.SlowRequestThreshold(); got != time.Second {
		t.Errorf("SlowRequestThreshold() = %v, want 1s", got)
	}
	if !cfg.Server.RateLimitEnabled || cfg.Server.RateLimitPerMinute != 60 {
		t.Errorf("rate limit = %v/%d, want enabled/60", cfg.Server.RateLimitEnabled, cfg.Server.RateLimitPerMinute)
	}
	if cfg.OpenEO.BackendURL != "https://openeo.dataspace.copernicus.eu" {
		t.Errorf("OpenEO.BackendURL = %q, want https prefix added", cfg.OpenEO.BackendURL)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BackoffFactor != 2.0 || cfg.Retry.Delay != 2*time.Second {
		t.Errorf("Retry = %+v, want 3 retries, factor 2, delay 2s", cfg.Retry)
	}
	if cfg.Resolution.BioparMaxMPP != 300 || cfg.Resolution.MaxPixels != 4096 {
		t.Errorf("Resolution = %+v", cfg.Resolution)
	}
	if cfg.Cache.GeoTIFFTTL != 168*time.Hour || cfg.Cache.MaxSizeMB != 5000 || cfg.Cache.CleanupPattern != "**" {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Jobs.MaxHistory != 1000 || cfg.Jobs.Timeout != 15*time.Minute {
		t.Errorf("Jobs = %+v", cfg.Jobs)
	}
	if want := (types.BBox{65.0, 49.5, 76.0, 54.0}); cfg.Events.BBox() != want {
		t.Errorf("Events.BBox() = %v, want %v", cfg.Events.BBox(), want)
	}
	if cfg.Observability.CloudWatchEnabled || cfg.Observability.CloudWatchNamespace != "Vegwatch" {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
	if cfg.CDSE.ClientSecret.String() != "***REDACTED***" {
		t.Errorf("ClientSecret.String() should be redacted, got %q", cfg.CDSE.ClientSecret.String())
	}
	if cfg.Build.Version != "dev" {
		t.Errorf("Build.Version = %q, want dev", cfg.Build.Version)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENEO_BACKEND_URL", "http://localhost:8081/")
	t.Setenv("DEFAULT_BBOX", "1,2,3,4")
	t.Setenv("FIRMS_URLS", "https://a.example/viirs.csv,https://b.example/modis.csv")
	t.Setenv("CORS_ORIGINS", "https://app.example,https://ops.example")
	t.Setenv("LOG_SLOW_REQUESTS_MS", "250")
	t.Setenv("MAINTENANCE_INTERVAL", "0s")

	cfg, err := loadConfigWithDeps(nil, testDeps(t))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}

	if cfg.OpenEO.BackendURL != "http://localhost:8081" {
		t.Errorf("OpenEO.BackendURL = %q", cfg.OpenEO.BackendURL)
	}
	if cfg.Events.BBox() != (types.BBox{1, 2, 3, 4}) {
		t.Errorf("Events.BBox() = %v", cfg.Events.BBox())
	}
	wantFirms := []string{"https://a.example/viirs.csv", "https://b.example/modis.csv"}
	if !reflect.DeepEqual(cfg.Events.FIRMSURLs, wantFirms) {
		t.Errorf("FIRMSURLs = %v, want %v", cfg.Events.FIRMSURLs, wantFirms)
	}
	if len(cfg.Server.CorsOrigins) != 2 {
		t.Errorf("CorsOrigins = %v, want 2 entries", cfg.Server.CorsOrigins)
	}
	if cfg.Server.SlowRequestThreshold() != 250*time.Millisecond {
		t.Errorf("SlowRequestThreshold() = %v", cfg.Server.SlowRequestThreshold())
	}
	if cfg.Cache.MaintenanceInterval != 0 {
		t.Errorf("MaintenanceInterval = %v, want 0", cfg.Cache.MaintenanceInterval)
	}
}

func TestLoadConfigSetsUTC(t *testing.T) {
	setRequiredEnv(t)

	originalLocal := time.Local
	t.Cleanup(func() {
		time.Local = originalLocal
	})
	time.Local = time.FixedZone("UTC+5", 5*3600)

	if _, err := loadConfigWithDeps(nil, testDeps(t)); err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}
	if time.Local != time.UTC {
		t.Errorf("time.Local = %v, want UTC", time.Local)
	}
}

// ============================================================
// Failures
// ============================================================

func TestLoadConfigMissingCredentials(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	unsetEnv(t, "CDSE_CLIENT_ID")
	unsetEnv(t, "CDSE_CLIENT_SECRET")
	unsetEnv(t, "CDSE_CLIENT_SECRET_FILE")

	_, err := loadConfigWithDeps(nil, testDeps(t))
	assertErrType(t, err, ErrMissingEnv)
}

func TestLoadConfigParsingFailure(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REQUEST_TIMEOUT", "soon")

	_, err := loadConfigWithDeps(nil, testDeps(t))
	assertErrType(t, err, ErrParsing)
}

func TestLoadConfigValidationFailure(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown environment", "APP_ENV", "qa"},
		{"critical below warning", "CACHE_CRITICAL_THRESHOLD_PCT", "50"},
		{"short bbox", "DEFAULT_BBOX", "1,2,3"},
		{"bad firms url", "FIRMS_URLS", "not a url"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"max pixels below min", "MAX_PIXELS", "32"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := loadConfigWithDeps(nil, testDeps(t))
			assertErrType(t, err, ErrValidation)
		})
	}
}

func TestLoadConfigDotenv(t *testing.T) {
	setRequiredEnv(t)

	deps := testDeps(t)
	deps.loadDotenv = func() error {
		return &fs.PathError{Op: "open", Path: ".env", Err: fs.ErrNotExist}
	}
	if _, err := loadConfigWithDeps(nil, deps); err != nil {
		t.Fatalf("missing .env should be ignored, got %v", err)
	}

	deps.loadDotenv = func() error { return errors.New("unexpected character on line 3") }
	_, err := loadConfigWithDeps(nil, deps)
	assertErrType(t, err, ErrParsing)
}

// ============================================================
// Secret files
// ============================================================

func TestLoadConfigSecretFile(t *testing.T) {
	setRequiredEnv(t)
	unsetEnv(t, "CDSE_CLIENT_SECRET")

	path := filepath.Join(t.TempDir(), "cdse_secret")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CDSE_CLIENT_SECRET_FILE", path)

	cfg, err := loadConfigWithDeps(nil, testDeps(t))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}
	if got := cfg.CDSE.ClientSecret.Unmask(); got != "from-file" {
		t.Errorf("ClientSecret = %q, want from-file", got)
	}
}

func TestLoadConfigRedactsClientSecret(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadConfigWithDeps(nil, testDeps(t))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}
	if cfg.CDSE.ClientSecret.Unmask() != "sh-secret" {
		t.Fatalf("ClientSecret = %q, want sh-secret", cfg.CDSE.ClientSecret.Unmask())
	}

	dump, err := json.Marshal(cfg.CDSE)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var buf bytes.Buffer
	jsonLog := slog.New(slog.NewJSONHandler(&buf, nil))
	jsonLog.Info("config loaded", "cdse", cfg.CDSE, "secret", cfg.CDSE.ClientSecret)
	textLog := slog.New(slog.NewTextHandler(&buf, nil))
	textLog.Info("config loaded", "cdse", cfg.CDSE, "secret", cfg.CDSE.ClientSecret)

	outputs := map[string]string{
		"json dump": string(dump),
		"slog":      buf.String(),
		"%v":        fmt.Sprintf("%v", cfg.CDSE),
		"%+v":       fmt.Sprintf("%+v", cfg.CDSE),
		"%#v":       fmt.Sprintf("%#v", cfg.CDSE.ClientSecret),
	}
	for name, out := range outputs {
		if strings.Contains(out, "sh-secret") {
			t.Errorf("%s leaked CDSE_CLIENT_SECRET: %s", name, out)
		}
		if !strings.Contains(out, redacted) {
			t.Errorf("%s missing redaction placeholder: %s", name, out)
		}
	}
}

func TestLoadConfigDirectEnvWinsOverSecretFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CDSE_CLIENT_SECRET_FILE", "/does/not/matter")

	provider := &recordingProvider{}
	cfg, err := loadConfigWithDeps(provider, testDeps(t))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}
	if cfg.CDSE.ClientSecret.Unmask() != "sh-secret" {
		t.Errorf("ClientSecret = %q, want direct env value", cfg.CDSE.ClientSecret.Unmask())
	}
	for _, k := range provider.keys {
		if k == "/does/not/matter" {
			t.Error("provider should not be asked for a target that is already set")
		}
	}
}

func TestLoadConfigMissingSecretFile(t *testing.T) {
	setRequiredEnv(t)
	unsetEnv(t, "CDSE_CLIENT_SECRET")
	t.Setenv("CDSE_CLIENT_SECRET_FILE", filepath.Join(t.TempDir(), "absent"))

	_, err := loadConfigWithDeps(nil, testDeps(t))
	assertErrType(t, err, ErrMissingEnv)
	if !strings.Contains(err.Error(), "CDSE_CLIENT_SECRET") {
		t.Errorf("error should name the target variable: %v", err)
	}
}

func TestLoadConfigSecretProviderError(t *testing.T) {
	setRequiredEnv(t)
	unsetEnv(t, "CDSE_CLIENT_SECRET")
	t.Setenv("CDSE_CLIENT_SECRET_FILE", "/run/secrets/cdse")

	_, err := loadConfigWithDeps(&recordingProvider{err: errors.New("permission denied")}, testDeps(t))
	assertErrType(t, err, ErrMissingEnv)
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error should wrap the provider error: %v", err)
	}
}

type recordingProvider struct {
	keys []string
	err  error
}

func (p *recordingProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.keys = append(p.keys, keys...)
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = "resolved:" + k
	}
	return out, nil
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	if err := os.WriteFile(present, []byte("value\r\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := NewFileProvider().GetParametersBatch(context.Background(), []string{present, filepath.Join(dir, "absent")})
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]string{present: "value"}) {
		t.Errorf("GetParametersBatch = %v", got)
	}

	failing := &FileProvider{readFile: func(string) ([]byte, error) { return nil, fs.ErrPermission }}
	if _, err := failing.GetParametersBatch(context.Background(), []string{"/x"}); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("expected permission error, got %v", err)
	}
}

// ============================================================
// Helpers
// ============================================================

func TestConfigError(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigError{Type: ErrParsing, Message: "bad value", Err: inner}
	if got := err.Error(); got != "[PARSING_FAILED] bad value: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should reach the wrapped error")
	}

	bare := &ConfigError{Type: ErrMissingEnv, Message: "nothing set"}
	if got := bare.Error(); got != "[MISSING_ENV] nothing set" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := fmt.Errorf("startup: %w", bare)
	var target *ConfigError
	if !errors.As(wrapped, &target) || target.Type != ErrMissingEnv {
		t.Error("errors.As should find the ConfigError")
	}
}

func TestNormalizeBackendURL(t *testing.T) {
	tests := map[string]string{
		"openeo.dataspace.copernicus.eu":     "https://openeo.dataspace.copernicus.eu",
		"https://openeo.vito.be/openeo/1.2/": "https://openeo.vito.be/openeo/1.2",
		"http://localhost:8081":              "http://localhost:8081",
		"  openeo.example.org  ":             "https://openeo.example.org",
		"":                                   "",
	}
	for in, want := range tests {
		if got := normalizeBackendURL(in); got != want {
			t.Errorf("normalizeBackendURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewBuildInfoDefaults(t *testing.T) {
	info := NewBuildInfo()
	if info.Version != "dev" || info.Commit != "none" || info.BuildTime != "unknown" {
		t.Errorf("NewBuildInfo() = %+v, want dev/none/unknown", info)
	}
}
