// Package httpx exposes the harness status API: health, current run state,
// run history, live log streams and Prometheus metrics.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/girazoki/witnet-rust/internal/history"
	"github.com/girazoki/witnet-rust/internal/stream"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 15 * time.Second
)

// Pinger reports Docker daemon connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunStore is the history slice the router reads from.
type RunStore interface {
	Ping(ctx context.Context) error
	GetRun(ctx context.Context, id string) (*history.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]history.Run, error)
}

// RunSnapshot is the live state of the current run.
type RunSnapshot struct {
	RunID     string            `json:"run_id"`
	TestName  string            `json:"test_name"`
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Services  map[string]string `json:"services,omitempty"`
}

// Router exposes the harness HTTP endpoints.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	engine   Pinger
	store    RunStore
	hub      *stream.Hub
	metrics  *Metrics
	services map[string]struct{}
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	current *RunSnapshot
}

// New creates the router and registers handlers. engine, store and hub may
// be nil; the matching endpoints then degrade or report not found. services
// restricts which log streams can be subscribed to.
func New(logger *slog.Logger, engine Pinger, store RunStore, hub *stream.Hub, metrics *Metrics, services []string) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		engine:  engine,
		store:   store,
		hub:     hub,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if len(services) > 0 {
		r.services = make(map[string]struct{}, len(services))
		for _, svc := range services {
			r.services[svc] = struct{}{}
		}
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// SetRun publishes the current run snapshot.
func (r *Router) SetRun(snap RunSnapshot) {
	r.mu.Lock()
	r.current = &snap
	r.mu.Unlock()
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.metrics.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/api/run", r.metrics.instrument("/api/run", r.handleCurrentRun))
	r.mux.HandleFunc("/api/runs", r.metrics.instrument("/api/runs", r.handleListRuns))
	r.mux.HandleFunc("/api/runs/", r.metrics.instrument("/api/runs/:id", r.handleGetRun))
	r.mux.HandleFunc("/api/logs/", r.metrics.instrument("/api/logs/:service", r.handleLogs))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := map[string]any{}

	dockerState := map[string]any{"status": "up"}
	if r.engine == nil {
		dockerState = map[string]any{"status": "unconfigured"}
	} else if err := r.engine.Ping(ctx); err != nil {
		status = "degraded"
		dockerState = map[string]any{"status": "down", "error": err.Error()}
	}
	components["docker"] = dockerState

	historyState := map[string]any{"status": "up"}
	if r.store == nil {
		historyState = map[string]any{"status": "unconfigured"}
	} else if err := r.store.Ping(ctx); err != nil {
		status = "degraded"
		historyState = map[string]any{"status": "down", "error": err.Error()}
	}
	components["history"] = historyState

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleCurrentRun(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.mu.RLock()
	current := r.current
	r.mu.RUnlock()
	if current == nil {
		r.writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	r.writeJSON(w, http.StatusOK, current)
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.store == nil {
		r.writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	limit := queryInt(req, "limit", 50)
	offset := queryInt(req, "offset", 0)
	runs, err := r.store.ListRuns(req.Context(), limit, offset)
	if err != nil {
		r.logger.Error("failed to list runs", "error", err)
		r.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.store == nil {
		r.writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/runs/"), "/")
	if id == "" {
		r.writeError(w, http.StatusBadRequest, "run id required")
		return
	}
	run, err := r.store.GetRun(req.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			r.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		r.logger.Error("failed to load run", "run_id", id, "error", err)
		r.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	r.writeJSON(w, http.StatusOK, run)
}

// handleLogs subscribes the caller to a service's live log stream, over
// WebSocket when the client requests an upgrade and SSE otherwise.
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.hub == nil {
		r.writeError(w, http.StatusNotFound, "log streaming disabled")
		return
	}
	service := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/logs/"), "/")
	if service == "" {
		r.writeError(w, http.StatusBadRequest, "service name required")
		return
	}
	if r.services != nil {
		if _, ok := r.services[service]; !ok {
			r.writeError(w, http.StatusNotFound, "unknown service")
			return
		}
	}

	if websocket.IsWebSocketUpgrade(req) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		client := stream.NewWSClient(conn, r.logger)
		r.hub.Register(service, client)
		defer func() {
			r.hub.Unregister(service, client)
			client.Close()
		}()

		// reads are discarded; the connection exists to push log entries
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		r.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := stream.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(service, client)
	defer func() {
		r.hub.Unregister(service, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
