// Package main implements cachectl, the operator CLI for the artifact cache.
//
// It runs the same cache monitor and maintenance tasks as the API process,
// against the directory named by CACHE_DIR, without starting a server.
//
// Usage:
//
//	go run ./cmd/tools/cachectl status
//	go run ./cmd/tools/cachectl recommendations
//	go run ./cmd/tools/cachectl cleanup --max-age-days=14 --dry-run=false
//	go run ./cmd/tools/cachectl run --task=cache_cleanup --dry-run
//	go run ./cmd/tools/cachectl run --list
//
// Results are printed to stdout as indented JSON. Settings come from the
// environment (or a .env file via godotenv).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"vegwatch/internal/cachemonitor"
	"vegwatch/internal/config"
	"vegwatch/internal/metrics"
	"vegwatch/internal/scheduler"
)

// taskDescriptions documents every scheduler.TaskType for --list.
var taskDescriptions = map[scheduler.TaskType]string{
	scheduler.TaskCacheCleanup:   "Delete cached artifacts older than CACHE_CLEANUP_AGE_DAYS",
	scheduler.TaskPruneJobs:      "Prune finished job history (no-op outside the API process)",
	scheduler.TaskPublishMetrics: "Publish cache usage to CloudWatch when CLOUDWATCH_ENABLED",
}

// settings is the subset of config.Config cachectl needs. It deliberately
// skips the CDSE credentials the API requires.
type settings struct {
	Service       string `envconfig:"SERVICE_NAME" default:"vegwatch-api"`
	Cache         config.CacheConfig
	Observability config.ObservabilityConfig
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "error: parsing .env: %v\n", err)
		return 1
	}
	var s settings
	if err := envconfig.Process("", &s); err != nil {
		fmt.Fprintf(stderr, "error: loading configuration: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	monitor, err := cachemonitor.New(cachemonitor.Config{
		Dirs:           []cachemonitor.Dir{{Name: "artifacts", Path: s.Cache.Dir}},
		MaxSizeMB:      s.Cache.MaxSizeMB,
		WarningPct:     s.Cache.WarningPct,
		CriticalPct:    s.Cache.CriticalPct,
		CleanupPattern: s.Cache.CleanupPattern,
	}, cachemonitor.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	var result any
	switch cmd, rest := args[0], args[1:]; cmd {
	case "status":
		result = monitor.Status()
	case "recommendations":
		result = monitor.Recommendations()
	case "cleanup":
		result, err = cleanup(ctx, monitor, s, rest, stderr)
	case "run":
		result, err = runTask(ctx, monitor, s, logger, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if result == nil {
			return 1
		}
	}
	if result != nil {
		if werr := writeJSON(stdout, result); werr != nil {
			fmt.Fprintf(stderr, "error: %v\n", werr)
			return 1
		}
	}
	if err != nil {
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: cachectl <command> [flags]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  status           cache usage per directory and alert level\n")
	fmt.Fprintf(w, "  recommendations  suggested cleanup actions\n")
	fmt.Fprintf(w, "  cleanup          delete artifacts older than --max-age-days\n")
	fmt.Fprintf(w, "  run              run maintenance tasks (--list to see them)\n")
}

func cleanup(ctx context.Context, monitor *cachemonitor.Monitor, s settings, args []string, stderr io.Writer) (any, error) {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	maxAge := fs.Int("max-age-days", s.Cache.CleanupAgeDays, "delete files older than this many days")
	dryRun := fs.Bool("dry-run", true, "report what would be deleted without deleting")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	res, err := monitor.CleanupOlderThan(ctx, *maxAge, *dryRun)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func runTask(ctx context.Context, monitor *cachemonitor.Monitor, s settings, logger *slog.Logger, args []string, stdout, stderr io.Writer) (any, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	task := fs.String("task", "", "task to run; empty runs every task")
	dryRun := fs.Bool("dry-run", false, "cache_cleanup only reports what it would delete")
	refTime := fs.String("reference-time", "", "override the reference time (RFC3339)")
	list := fs.Bool("list", false, "list the available tasks and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *list {
		printTasks(stdout)
		return nil, nil
	}

	payload := scheduler.MaintenancePayload{Task: scheduler.TaskType(*task), DryRun: *dryRun}
	if *refTime != "" {
		t, err := time.Parse(time.RFC3339, *refTime)
		if err != nil {
			return nil, fmt.Errorf("invalid --reference-time %q: expected RFC3339", *refTime)
		}
		payload.ReferenceTime = &t
	}
	if payload.Task != "" {
		if _, ok := taskDescriptions[payload.Task]; !ok {
			return nil, fmt.Errorf("unknown task %q", *task)
		}
	}

	var publishers []metrics.Publisher
	if s.Observability.CloudWatchEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.Observability.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		publishers = append(publishers, metrics.NewCloudWatchPublisher(
			cloudwatch.NewFromConfig(awsCfg), s.Observability.CloudWatchNamespace, s.Service, logger))
	}

	svc := scheduler.NewMaintenanceService(monitor, nil, scheduler.MaintenanceConfig{
		CleanupAgeDays: s.Cache.CleanupAgeDays,
	}, logger, publishers...)

	if payload.Task == "" {
		now := time.Now().UTC()
		if payload.ReferenceTime != nil {
			now = *payload.ReferenceTime
		}
		rep, err := svc.Run(ctx, now)
		return rep, err
	}
	rep, err := svc.Handle(ctx, payload)
	return rep, err
}

func printTasks(w io.Writer) {
	for _, t := range scheduler.AllTasks {
		fmt.Fprintf(w, "  %-16s %s\n", t, taskDescriptions[t])
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
