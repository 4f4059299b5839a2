// Command harness runs the witnet end-to-end test stack: it starts the node
// and python-tester containers against the local Docker daemon in dependency
// order, streams their logs, and exits with the tester's exit code.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/girazoki/witnet-rust/internal/docker"
	"github.com/girazoki/witnet-rust/internal/harness"
	"github.com/girazoki/witnet-rust/internal/history"
	"github.com/girazoki/witnet-rust/internal/httpx"
	"github.com/girazoki/witnet-rust/internal/manifest"
	"github.com/girazoki/witnet-rust/internal/stream"
	"github.com/girazoki/witnet-rust/pkg/config"
	"github.com/girazoki/witnet-rust/pkg/logger"
)

var buildVersion = "dev"

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = commandRun(args)
	case "validate":
		err = commandValidate(args)
	case "plan":
		err = commandPlan(args)
	case "history":
		err = commandHistory(args)
	case "serve":
		err = commandServe(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries the tester's exit code to the process exit without an
// extra error message.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func commandRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	manifestPath := fs.String("f", "", "Manifest file (default: built-in node+tester stack)")
	testName := fs.String("t", "", "Test script name without .py (sets TEST_NAME)")
	runnerService := fs.String("runner", "", "Service whose exit code decides the run (default tester)")
	keep := fs.Bool("keep", false, "Keep containers after the run for inspection")
	timeout := fs.Duration("timeout", 0, "Overall run timeout (0 uses HARNESS_RUN_TIMEOUT)")
	statusAddr := fs.String("status", "", "Bind address for the status HTTP server (default off)")
	fs.Parse(args)

	if *testName != "" {
		// interpolation reads TEST_NAME from the environment
		if err := os.Setenv("TEST_NAME", *testName); err != nil {
			return fmt.Errorf("set TEST_NAME: %w", err)
		}
	}

	cfg := config.LoadHarnessConfig()
	if *manifestPath != "" {
		cfg.ManifestPath = *manifestPath
	}
	if *runnerService != "" {
		cfg.RunnerService = *runnerService
	}
	if *keep {
		cfg.KeepContainers = true
	}
	if *timeout > 0 {
		cfg.RunTimeout = *timeout
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}

	log := logger.New("harness", logLevel(cfg.Environment))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		return err
	}

	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	log.Debug("docker daemon reachable", "api_version", engine.APIVersion())

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		log.Warn("run history disabled", "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	hub := stream.NewHub(cfg.LogBuffer)
	defer hub.Shutdown()

	var (
		metrics *httpx.Metrics
		router  *httpx.Router
	)
	if cfg.StatusAddr != "" {
		metrics = httpx.NewMetrics()
		router = httpx.New(log, engine, storeOrNil(store), hub, metrics, m.ServiceNames())
		server := &http.Server{Addr: cfg.StatusAddr, Handler: router}
		go func() {
			log.Info("status server listening", "addr", cfg.StatusAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	runner := harness.NewRunner(engine, hub, recorderOrNil(store), observerOrNil(metrics), log, cfg)
	if router != nil {
		router.SetRun(httpx.RunSnapshot{
			TestName:  cfg.TestName,
			Status:    "running",
			StartedAt: time.Now().UTC(),
		})
	}

	result, runErr := runner.Run(ctx, m, cfg.RunnerService, cfg.TestName)
	if router != nil {
		router.SetRun(httpx.RunSnapshot{
			RunID:     result.RunID,
			TestName:  result.TestName,
			Status:    result.Status,
			StartedAt: time.Now().UTC().Add(-result.Duration),
		})
	}

	switch result.Status {
	case harness.StatusPassed:
		fmt.Printf("PASS %s (%s)\n", result.TestName, result.Duration.Round(time.Millisecond))
		return nil
	case harness.StatusFailed:
		fmt.Printf("FAIL %s: %s\n", result.TestName, result.Reason)
		return exitError{code: result.ExitCode}
	case harness.StatusCancelled:
		fmt.Fprintln(os.Stderr, "run cancelled")
		return exitError{code: 130}
	default:
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("run failed: %s", result.Reason)
	}
}

func commandValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	manifestPath := fs.String("f", "", "Manifest file (default: built-in node+tester stack)")
	fs.Parse(args)

	m, err := loadManifest(*manifestPath)
	if err != nil {
		return err
	}
	warnings, err := m.Validate()
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	fmt.Printf("manifest OK: %d services, digest %s\n", len(m.Services), m.Digest()[:12])
	return nil
}

func commandPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	manifestPath := fs.String("f", "", "Manifest file (default: built-in node+tester stack)")
	fs.Parse(args)

	m, err := loadManifest(*manifestPath)
	if err != nil {
		return err
	}
	if _, err := m.Validate(); err != nil {
		return err
	}
	order, err := harness.Plan(m)
	if err != nil {
		return err
	}
	for i, name := range order {
		fmt.Printf("%d. %s (%s)\n", i+1, name, m.Services[name].Image)
	}
	return nil
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum runs to list")
	offset := fs.Int("offset", 0, "Runs to skip")
	asJSON := fs.Bool("json", false, "Emit JSON instead of a table")
	prune := fs.Duration("prune", 0, "Delete runs older than this duration and exit")
	fs.Parse(args)

	cfg := config.LoadHarnessConfig()
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *prune > 0 {
		removed, err := store.Prune(ctx, time.Now().Add(-*prune))
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d runs\n", removed)
		return nil
	}

	runs, err := store.ListRuns(ctx, *limit, *offset)
	if err != nil {
		return err
	}
	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, run := range runs {
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		code := "-"
		if run.ExitCode != nil {
			code = fmt.Sprintf("%d", *run.ExitCode)
		}
		fmt.Printf("%s  %-10s exit=%-3s %8s  %s  %s\n",
			run.StartedAt.Format(time.RFC3339), run.Status, code, duration, run.ID[:min(8, len(run.ID))], run.TestName)
	}
	return nil
}

func commandServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8330", "Bind address for the status HTTP server")
	fs.Parse(args)

	cfg := config.LoadHarnessConfig()
	log := logger.New("harness", logLevel(cfg.Environment))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var pinger httpx.Pinger
	if engine, err := docker.New(cfg.DockerHost); err == nil {
		defer engine.Close()
		pinger = engine
	} else {
		log.Warn("docker client unavailable", "error", err)
	}

	router := httpx.New(log, pinger, store, nil, httpx.NewMetrics(), nil)
	server := &http.Server{Addr: *addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("status server listening", "addr", *addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadManifest(path string) (*manifest.Manifest, error) {
	if path == "" {
		return manifest.Default()
	}
	return manifest.Load(path)
}

// logLevel picks debug verbosity outside production deployments.
func logLevel(environment string) slog.Level {
	if environment == "production" {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// nil interface plumbing: a typed nil *history.Store inside a non-nil
// interface would defeat the runner's nil checks.
func storeOrNil(store *history.Store) httpx.RunStore {
	if store == nil {
		return nil
	}
	return store
}

func recorderOrNil(store *history.Store) harness.Recorder {
	if store == nil {
		return nil
	}
	return store
}

func observerOrNil(metrics *httpx.Metrics) harness.Observer {
	if metrics == nil {
		return nil
	}
	return metrics
}

func printVersion() {
	fmt.Printf("witnet-harness %s\n", buildVersion)
}

func printUsage() {
	fmt.Print(`witnet e2e harness

Usage:
  harness [run] [-f manifest.yml] [-t test_name] [-keep] [-timeout 10m] [-status :8330]
  harness validate [-f manifest.yml]
  harness plan [-f manifest.yml]
  harness history [-limit 20] [-json] [-prune 720h]
  harness serve [-addr :8330]
  harness version

Without -f the built-in manifest is used: a witnet/debug-run node plus a
witnet/python-tester runner executing ${TEST_NAME:-example}.py.
`)
}
