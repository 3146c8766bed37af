// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Scan environment for _FILE suffix variables and inject the contents of
//     the referenced secret files.
//  4. Use envconfig to process struct tags and populate the Config struct.
//  5. Normalise derived values and populate BuildInfo.
//  6. Validate the struct using go-playground/validator.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretFileSuffix marks variables that point at a file holding the value of
// the variable without the suffix, e.g. CDSE_CLIENT_SECRET_FILE.
const secretFileSuffix = "_FILE"

// loaderDeps holds the injectable dependencies for the loader, enabling
// testing without touching the working directory.
type loaderDeps struct {
	lookupEnv  func(key string) (string, bool)
	setEnv     func(key, value string) error
	environ    func() []string
	loadDotenv func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		loadDotenv: func() error {
			return godotenv.Load()
		},
	}
}

// LoadConfig loads and validates the configuration. provider resolves the
// *_FILE secret references; nil means FileProvider.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv does NOT override existing environment variables and a
	// missing .env is normal outside local development.
	if err := deps.loadDotenv(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to parse .env file",
			Err:     err,
		}
	}

	if provider == nil {
		provider = NewFileProvider()
	}
	if err := resolveSecretFiles(provider, deps); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.OpenEO.BackendURL = normalizeBackendURL(cfg.OpenEO.BackendURL)
	cfg.Build = NewBuildInfo()

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		typ := ErrValidation
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					typ = ErrMissingEnv
					break
				}
			}
		}
		return nil, &ConfigError{
			Type:    typ,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// normalizeBackendURL adds https:// to scheme-less hosts and drops a trailing
// slash.
func normalizeBackendURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}

// resolveSecretFiles scans the environment for variables ending in _FILE,
// reads the referenced secrets via the provider, and injects them so that
// envconfig can process them. A target variable that is already set wins.
func resolveSecretFiles(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var paths []string

	for _, entry := range deps.environ() {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		key := entry[:eq]
		if !strings.HasSuffix(key, secretFileSuffix) || key == secretFileSuffix {
			continue
		}
		target := strings.TrimSuffix(key, secretFileSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		path := entry[eq+1:]
		if path == "" {
			continue
		}
		if _, dup := pathToTarget[path]; !dup {
			paths = append(paths, path)
		}
		pathToTarget[path] = target
	}

	if len(paths) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("failed to resolve %d secret files", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		target := pathToTarget[path]
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrParsing,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("secret files not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
