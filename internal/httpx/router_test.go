package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/girazoki/witnet-rust/internal/history"
	"github.com/girazoki/witnet-rust/internal/stream"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeStore struct {
	pingErr error
	runs    []history.Run
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetRun(_ context.Context, id string) (*history.Run, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, history.ErrNotFound
}

func (f *fakeStore) ListRuns(_ context.Context, limit, offset int) ([]history.Run, error) {
	if offset >= len(f.runs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.runs) {
		end = len(f.runs)
	}
	return f.runs[offset:end], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestRouter(engine Pinger, store RunStore, hub *stream.Hub, services []string) *Router {
	return New(testLogger(), engine, store, hub, NewMetrics(), services)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthzReportsComponents(t *testing.T) {
	router := newTestRouter(fakePinger{}, &fakeStore{}, nil, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("unexpected status %v", body["status"])
	}
}

func TestHealthzDegradedWhenDockerDown(t *testing.T) {
	router := newTestRouter(fakePinger{err: errors.New("daemon gone")}, &fakeStore{}, nil, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected status %v", body["status"])
	}
}

func TestCurrentRunLifecycle(t *testing.T) {
	router := newTestRouter(fakePinger{}, nil, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/run", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before a run, got %d", rec.Code)
	}

	router.SetRun(RunSnapshot{RunID: "run-1", TestName: "example", Status: "running", StartedAt: time.Now().UTC()})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/run", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["run_id"] != "run-1" || body["status"] != "running" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestListAndGetRuns(t *testing.T) {
	store := &fakeStore{runs: []history.Run{
		{ID: "run-b", TestName: "example", Status: "passed"},
		{ID: "run-a", TestName: "example", Status: "failed"},
	}}
	router := newTestRouter(fakePinger{}, store, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	runs, ok := body["runs"].([]any)
	if !ok || len(runs) != 1 {
		t.Fatalf("unexpected runs payload %v", body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run-a", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router := newTestRouter(fakePinger{}, &fakeStore{}, nil, nil)
	for _, path := range []string{"/healthz", "/api/run", "/api/runs", "/api/runs/x"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}")))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("POST %s: expected 405, got %d", path, rec.Code)
		}
	}
}

func TestLogsRejectsUnknownService(t *testing.T) {
	hub := stream.NewHub(0)
	defer hub.Shutdown()
	router := newTestRouter(fakePinger{}, nil, hub, []string{"node", "tester"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLogsStreamsOverSSE(t *testing.T) {
	hub := stream.NewHub(0)
	defer hub.Shutdown()
	router := newTestRouter(fakePinger{}, nil, hub, []string{"node"})

	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/logs/node", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	payload, err := stream.Entry{Service: "node", Stream: "stdout", Message: "block mined"}.Marshal()
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	// retry until the subscription is registered
	stopBroadcast := make(chan struct{})
	defer close(stopBroadcast)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopBroadcast:
				return
			case <-ticker.C:
				hub.Broadcast("node", payload)
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			var entry stream.Entry
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &entry); err != nil {
				t.Fatalf("decode sse payload: %v", err)
			}
			if entry.Message != "block mined" {
				t.Fatalf("unexpected message %q", entry.Message)
			}
			return
		}
	}
	t.Fatalf("no data frame received: %v", scanner.Err())
}

func TestLogsStreamsOverWebSocket(t *testing.T) {
	hub := stream.NewHub(0)
	defer hub.Shutdown()
	router := newTestRouter(fakePinger{}, nil, hub, []string{"node"})

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/logs/node"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s (status %d): %v", wsURL, status, err)
	}
	defer conn.Close()

	payload, err := stream.Entry{Service: "node", Stream: "stderr", Message: "peer connected"}.Marshal()
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	// retry until the subscription is registered
	stopBroadcast := make(chan struct{})
	defer close(stopBroadcast)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopBroadcast:
				return
			case <-ticker.C:
				hub.Broadcast("node", payload)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var entry stream.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if entry.Message != "peer connected" || entry.Stream != "stderr" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}
