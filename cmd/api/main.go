// Package main is the entry point for the vegwatch API server.
//
// It loads the configuration, wires the upstream clients, the artifact cache,
// the job tracker and the domain services into the HTTP chassis, starts the
// maintenance loop and listens until SIGINT or SIGTERM. Shutdown drains HTTP
// requests first, then waits for background raster jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vegwatch/internal/api/handlers"
	"vegwatch/internal/cachemonitor"
	"vegwatch/internal/cachestore"
	"vegwatch/internal/config"
	"vegwatch/internal/core"
	"vegwatch/internal/events"
	"vegwatch/internal/external"
	"vegwatch/internal/jobs"
	"vegwatch/internal/metrics"
	"vegwatch/internal/resolution"
	"vegwatch/internal/scheduler"
	"vegwatch/internal/vegetation"
)

// upstreamBurst is the token bucket depth shared by the CDSE clients.
const upstreamBurst = 2

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("vegwatch API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := buildApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}

	go a.maintenance.Start(ctx, cfg.Cache.MaintenanceInterval)

	return runHTTPServer(ctx, a.server, cfg, logger)
}

// app is the fully wired process.
type app struct {
	server      *core.Server
	maintenance *scheduler.MaintenanceService
	vegetation  *vegetation.Service
	events      *events.Service
	tracker     *jobs.Tracker
	monitor     *cachemonitor.Monitor
}

// buildApp wires every dependency and mounts the routes. It performs no
// network I/O except loading the AWS configuration when CloudWatch is on.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	m := metrics.New(reg)

	retry := external.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		MinWait:    cfg.Retry.Delay,
		MaxWait:    cfg.Retry.MaxWait,
		Factor:     cfg.Retry.BackoffFactor,
	}
	agent := "vegwatch/" + cfg.Build.Version
	newBase := func(provider string, timeout time.Duration, opts ...external.BaseClientOption) *external.BaseClient {
		opts = append(opts, external.WithRecorder(m), external.WithLogger(logger))
		return external.NewBaseClient(&http.Client{Timeout: timeout}, provider, retry, agent, opts...)
	}
	paced := external.WithRateLimit(cfg.CDSE.RequestsPerSecond, upstreamBurst)

	tokens := external.NewClientCredentials(newBase("cdse_token", cfg.CDSE.TokenTimeout), external.ClientCredentialsConfig{
		ClientID:     cfg.CDSE.ClientID,
		ClientSecret: cfg.CDSE.ClientSecret.Unmask(),
		TokenURL:     cfg.CDSE.TokenURL,
		Logger:       logger,
	})
	sh := external.NewSentinelHub(newBase("sentinelhub", cfg.CDSE.DownloadTimeout, paced), tokens, external.SentinelHubConfig{
		ProcessURL:      cfg.CDSE.ProcessURL,
		StatisticsURL:   cfg.CDSE.StatisticsURL,
		FetchMaxRetries: cfg.Retry.FetchMaxRetries,
		Logger:          logger,
	})
	openeo := external.NewOpenEO(newBase("openeo", cfg.OpenEO.Timeout, paced), tokens, external.OpenEOConfig{
		BackendURL: cfg.OpenEO.BackendURL,
		UDPURL:     cfg.OpenEO.UDPURL,
		Logger:     logger,
	})

	store, err := cachestore.New(cfg.Cache.Dir,
		cachestore.WithLockTimeout(cfg.Cache.LockTimeout),
		cachestore.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	monitor, err := cachemonitor.New(cachemonitor.Config{
		Dirs:           []cachemonitor.Dir{{Name: "artifacts", Path: store.Dir()}},
		MaxSizeMB:      cfg.Cache.MaxSizeMB,
		WarningPct:     cfg.Cache.WarningPct,
		CriticalPct:    cfg.Cache.CriticalPct,
		CleanupPattern: cfg.Cache.CleanupPattern,
	}, cachemonitor.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating cache monitor: %w", err)
	}
	tracker := jobs.NewTracker(cfg.Jobs.MaxHistory, jobs.WithLogger(logger))

	vegSvc := vegetation.NewService(vegetation.Config{
		NDVILimits: resolution.Limits{
			MinMPP:    cfg.Resolution.S2L2AMinMPP,
			MaxMPP:    cfg.Resolution.S2L2AMaxMPP,
			MinPixels: cfg.Resolution.MinPixels,
			MaxPixels: cfg.Resolution.MaxPixels,
		},
		BioparLimits: resolution.Limits{
			MinMPP:    cfg.Resolution.BioparMinMPP,
			MaxMPP:    cfg.Resolution.BioparMaxMPP,
			MinPixels: cfg.Resolution.MinPixels,
			MaxPixels: cfg.Resolution.MaxPixels,
		},
		BioparTargetMPP: cfg.Resolution.BioparTargetMPP,
		MaxImagePixels:  cfg.Resolution.MaxImagePixels,
		GeoTIFFTTL:      cfg.Cache.GeoTIFFTTL,
		StatsTTL:        cfg.Cache.StatsTTL,
		TimeseriesTTL:   cfg.Cache.TimeseriesTTL,
		ReportTTL:       cfg.Cache.ReportTTL,
		JobTimeout:      cfg.Jobs.Timeout,
	}, sh, openeo, store, tracker,
		vegetation.WithLogger(logger),
		vegetation.WithCacheRecorder(m),
	)

	feeds := func(name string) *external.BaseClient { return newBase(name, cfg.CDSE.RequestTimeout) }
	evSvc := events.NewService(
		events.NewCache(cfg.Events.CacheSize, cfg.Events.CacheTTL),
		cfg.Events.BBox(),
		logger,
		events.NewEONET(feeds(events.SourceEONET), cfg.Events.EONETURL),
		events.NewUSGS(feeds(events.SourceUSGS), cfg.Events.USGSURL, cfg.Events.USGSMinMagnitude, 0, nil),
		events.NewGDACS(feeds(events.SourceGDACS), cfg.Events.GDACSURL),
		events.NewGDACSRSS(feeds(events.SourceGDACSRSS), cfg.Events.GDACSRSSURL),
		events.NewFIRMS(feeds(events.SourceFIRMS), cfg.Events.FIRMSURLs, cfg.Events.FIRMSMinConfidence, cfg.Events.FIRMSLimit, logger),
	)

	publishers := []metrics.Publisher{m}
	if cfg.Observability.CloudWatchEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Observability.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		publishers = append(publishers, metrics.NewCloudWatchPublisher(
			cloudwatch.NewFromConfig(awsCfg), cfg.Observability.CloudWatchNamespace, cfg.Service, logger))
	}
	maintenance := scheduler.NewMaintenanceService(monitor, tracker, scheduler.MaintenanceConfig{
		CleanupAgeDays: cfg.Cache.CleanupAgeDays,
		JobRetention:   cfg.Jobs.Retention,
	}, logger, publishers...)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	if cfg.Observability.MetricsEnabled {
		srv.Metrics = m
		srv.MetricsHandler = metrics.Handler(reg)
	}
	srv.HealthProbes = []core.HealthProbe{
		core.DirWritableProbe{ProbeName: "cache_dir", Dir: store.Dir()},
		core.FuncProbe{ProbeName: "cdse_token", Fn: func(context.Context) error {
			if cfg.CDSE.ClientID == "" || cfg.CDSE.ClientSecret.Unmask() == "" {
				return errors.New("CDSE client credentials are not configured")
			}
			return nil
		}},
		core.FuncProbe{ProbeName: "cache_usage", Fn: func(context.Context) error {
			if st := monitor.Status(); st.Level == cachemonitor.AlertCritical {
				return errors.New(st.Message)
			}
			return nil
		}},
	}

	vegH := handlers.NewVegetationHandler(vegSvc, srv.Validator, logger)
	eventsH := handlers.NewEventsHandler(evSvc, logger)
	opsH := handlers.NewOperationsHandler(monitor, tracker, logger)
	srv.RouteRegistrars = append(srv.RouteRegistrars,
		func(r chi.Router) {
			r.Route("/api/v1", func(api chi.Router) {
				vegH.RegisterRoutes(api)
				eventsH.RegisterRoutes(api)
			})
		},
		opsH.RegisterRoutes,
	)
	srv.ShutdownHooks = append(srv.ShutdownHooks, vegSvc.WaitJobs)

	srv.MountRoutes()

	return &app{
		server:      srv,
		maintenance: maintenance,
		vegetation:  vegSvc,
		events:      evSvc,
		tracker:     tracker,
		monitor:     monitor,
	}, nil
}

// runHTTPServer serves until ctx is cancelled, then shuts down gracefully.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Raster downloads can take as long as the request timeout.
		WriteTimeout: cfg.Server.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Background jobs outlive their requests; wait for them here.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
