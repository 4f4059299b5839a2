package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/girazoki/witnet-rust/internal/docker"
	"github.com/girazoki/witnet-rust/internal/history"
	"github.com/girazoki/witnet-rust/internal/manifest"
	"github.com/girazoki/witnet-rust/internal/stream"
	"github.com/girazoki/witnet-rust/pkg/config"
)

// Run outcome statuses.
const (
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Engine is the slice of the Docker client the runner depends on.
type Engine interface {
	EnsureImage(ctx context.Context, ref string, onOutput docker.PullOutputCallback) error
	CreateContainer(ctx context.Context, name string, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	WaitExit(ctx context.Context, id string) (int64, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	Running(ctx context.Context, id string) (bool, error)
	StreamLogs(ctx context.Context, id string, onLine docker.LineCallback) error
}

// Recorder persists run outcomes. The history store implements it.
type Recorder interface {
	RecordStart(ctx context.Context, run history.Run) error
	RecordService(ctx context.Context, svc history.ServiceRun) error
	RecordFinish(ctx context.Context, fin history.Finish) error
}

// Observer receives runner events for metrics exposition.
type Observer interface {
	ContainerStarted(service string)
	LogLine(service string)
	RunFinished(status string, duration time.Duration)
}

// Result summarizes a finished harness run.
type Result struct {
	RunID    string
	TestName string
	Status   string
	ExitCode int
	Reason   string
	Duration time.Duration
}

// Passed reports whether the runner service exited cleanly.
func (r Result) Passed() bool {
	return r.Status == StatusPassed
}

// Runner executes a manifest against the Docker daemon.
type Runner struct {
	engine   Engine
	hub      *stream.Hub
	recorder Recorder
	observer Observer
	logger   *slog.Logger
	cfg      config.HarnessConfig
	dialer   Dialer
	now      func() time.Time
}

// NewRunner constructs a Runner. hub, recorder and observer may be nil.
func NewRunner(engine Engine, hub *stream.Hub, recorder Recorder, observer Observer, logger *slog.Logger, cfg config.HarnessConfig) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:   engine,
		hub:      hub,
		recorder: recorder,
		observer: observer,
		logger:   logger.With("component", "runner"),
		cfg:      cfg,
		dialer:   &net.Dialer{},
		now:      time.Now,
	}
}

// Run starts every service in dependency order, waits for the runner
// service to exit and tears the stack down. The returned result carries the
// runner's exit code; infrastructure failures surface as both an error and
// an "error" status result.
func (r *Runner) Run(ctx context.Context, m *manifest.Manifest, runnerService, testName string) (Result, error) {
	started := r.now()
	result := Result{
		RunID:    uuid.NewString(),
		TestName: testName,
		Status:   StatusError,
	}

	warnings, err := m.Validate()
	if err != nil {
		result.Reason = err.Error()
		return result, fmt.Errorf("validate manifest: %w", err)
	}
	for _, warning := range warnings {
		r.logger.Warn(warning)
	}

	if _, ok := m.Services[runnerService]; !ok {
		err := fmt.Errorf("runner service %q is not declared in the manifest", runnerService)
		result.Reason = err.Error()
		return result, err
	}

	order, err := Plan(m)
	if err != nil {
		result.Reason = err.Error()
		return result, err
	}

	r.recordStart(ctx, result, m.Digest(), started)
	r.logger.Info("run started", "run_id", result.RunID, "test", testName, "order", order)

	streamCtx, stopStreams := context.WithCancel(context.Background())
	var streams sync.WaitGroup

	containers := map[string]string{}
	var startedOrder []string

	finish := func(res Result, runErr error) (Result, error) {
		r.teardown(containers, startedOrder, runnerService, res.Status)
		stopStreams()
		streams.Wait()
		res.Duration = r.now().Sub(started)
		r.recordFinish(res)
		if r.observer != nil {
			r.observer.RunFinished(res.Status, res.Duration)
		}
		r.logger.Info("run finished", "run_id", res.RunID, "status", res.Status,
			"exit_code", res.ExitCode, "duration", res.Duration)
		return res, runErr
	}

	for _, name := range order {
		svc := m.Services[name]

		if err := r.awaitDependencies(ctx, svc, containers); err != nil {
			result.Reason = err.Error()
			return finish(result, err)
		}

		id, err := r.startService(ctx, result.RunID, name, svc)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				result.Status = StatusCancelled
			}
			result.Reason = err.Error()
			return finish(result, err)
		}
		containers[name] = id
		startedOrder = append(startedOrder, name)
		r.recordService(ctx, result.RunID, name, svc.Image, id)

		streams.Add(1)
		go func(service, containerID string) {
			defer streams.Done()
			r.followLogs(streamCtx, result.RunID, service, containerID)
		}(name, id)
	}

	runCtx := ctx
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	code, err := r.engine.WaitExit(runCtx, containers[runnerService])
	if err != nil {
		switch {
		case ctx.Err() != nil:
			result.Status = StatusCancelled
			result.Reason = "run cancelled"
		case errors.Is(err, context.DeadlineExceeded):
			result.Reason = fmt.Sprintf("run timed out after %s", r.cfg.RunTimeout)
		default:
			result.Reason = err.Error()
		}
		return finish(result, err)
	}

	result.ExitCode = int(code)
	if code == 0 {
		result.Status = StatusPassed
	} else {
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("%s exited with code %d", runnerService, code)
	}
	return finish(result, nil)
}

func (r *Runner) awaitDependencies(ctx context.Context, svc manifest.Service, containers map[string]string) error {
	for _, dep := range svc.DependsOn {
		g, err := parseGate(svc.WaitFor[dep])
		if err != nil {
			return err
		}
		if g.kind == manifest.GateStarted {
			continue
		}
		waitCtx := ctx
		if r.cfg.ReadyTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, r.cfg.ReadyTimeout)
			defer cancel()
		}
		if err := r.await(waitCtx, g, dep, containers[dep]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) startService(ctx context.Context, runID, name string, svc manifest.Service) (string, error) {
	pullCtx := ctx
	if r.cfg.PullTimeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, r.cfg.PullTimeout)
		defer cancel()
	}
	log := r.logger.With("service", name)
	err := r.engine.EnsureImage(pullCtx, svc.Image, func(line string) {
		log.Debug("pulling image", "image", svc.Image, "progress", line)
	})
	if err != nil {
		return "", fmt.Errorf("service %q: %w", name, err)
	}

	binds := make([]string, 0, len(svc.Volumes))
	for _, mnt := range svc.Volumes {
		binds = append(binds, mnt.String())
	}
	ports := make([]string, 0, len(svc.Ports))
	for _, spec := range svc.Ports {
		ports = append(ports, spec.String())
	}

	containerName := fmt.Sprintf("witnet-e2e-%s-%s", name, runID[:8])
	id, err := r.engine.CreateContainer(ctx, containerName, docker.ContainerSpec{
		Image:       svc.Image,
		Cmd:         []string(svc.Command),
		Env:         svc.Environment.Slice(),
		NetworkMode: svc.NetworkMode,
		Binds:       binds,
		Ports:       ports,
		Labels: map[string]string{
			"io.witnet.harness.run":     runID,
			"io.witnet.harness.service": name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("service %q: %w", name, err)
	}
	if err := r.engine.StartContainer(ctx, id); err != nil {
		return "", fmt.Errorf("service %q: %w", name, err)
	}
	if r.observer != nil {
		r.observer.ContainerStarted(name)
	}
	log.Info("service started", "container", containerName, "image", svc.Image)
	return id, nil
}

// followLogs streams one container's output into the hub and the logger
// until the container stops or teardown cancels the stream context.
func (r *Runner) followLogs(ctx context.Context, runID, service, containerID string) {
	log := r.logger.With("service", service)
	err := r.engine.StreamLogs(ctx, containerID, func(streamName, line string) {
		if r.observer != nil {
			r.observer.LogLine(service)
		}
		log.Info(line, "stream", streamName)
		if r.hub == nil {
			return
		}
		payload, err := stream.Entry{
			RunID:   runID,
			Service: service,
			Stream:  streamName,
			Message: line,
			Time:    r.now(),
		}.Marshal()
		if err != nil {
			return
		}
		r.hub.Broadcast(service, payload)
	})
	if err != nil && ctx.Err() == nil {
		log.Warn("log streaming ended", "error", err)
	}
}

// teardown stops and removes containers in reverse start order. It runs on
// a fresh context so cancelled runs still clean up. The runner service is
// already stopped on the happy path, so only removal applies to it.
func (r *Runner) teardown(containers map[string]string, startedOrder []string, runnerService, status string) {
	if len(containers) == 0 {
		return
	}
	if r.cfg.KeepContainers {
		r.logger.Info("keeping containers for inspection", "count", len(containers))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StopGrace+30*time.Second)
	defer cancel()

	for i := len(startedOrder) - 1; i >= 0; i-- {
		name := startedOrder[i]
		id := containers[name]
		if name != runnerService || status == StatusError || status == StatusCancelled {
			if err := r.engine.StopContainer(ctx, id, r.cfg.StopGrace); err != nil {
				r.logger.Warn("failed to stop container", "service", name, "error", err)
			}
		}
		if err := r.engine.RemoveContainer(ctx, id); err != nil {
			r.logger.Warn("failed to remove container", "service", name, "error", err)
		}
	}
}

func (r *Runner) recordStart(ctx context.Context, result Result, digest string, started time.Time) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.RecordStart(ctx, history.Run{
		ID:             result.RunID,
		TestName:       result.TestName,
		ManifestDigest: digest,
		StartedAt:      started.UTC(),
		Status:         history.StatusRunning,
	})
	if err != nil {
		r.logger.Warn("failed to record run start", "error", err)
	}
}

func (r *Runner) recordService(ctx context.Context, runID, name, image, containerID string) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.RecordService(ctx, history.ServiceRun{
		RunID:       runID,
		Service:     name,
		Image:       image,
		ContainerID: containerID,
	})
	if err != nil {
		r.logger.Warn("failed to record service", "service", name, "error", err)
	}
}

func (r *Runner) recordFinish(res Result) {
	if r.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.recorder.RecordFinish(ctx, history.Finish{
		RunID:      res.RunID,
		Status:     res.Status,
		ExitCode:   res.ExitCode,
		Reason:     res.Reason,
		FinishedAt: r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("failed to record run finish", "error", err)
	}
}
