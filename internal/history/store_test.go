package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordsFullRunLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	run := Run{
		ID:             "run-1",
		TestName:       "example",
		ManifestDigest: "abc123",
		StartedAt:      started,
	}
	if err := store.RecordStart(ctx, run); err != nil {
		t.Fatalf("RecordStart returned error: %v", err)
	}
	for _, svc := range []ServiceRun{
		{RunID: "run-1", Service: "node", Image: "witnet/debug-run", ContainerID: "c-node"},
		{RunID: "run-1", Service: "tester", Image: "witnet/python-tester", ContainerID: "c-tester"},
	} {
		if err := store.RecordService(ctx, svc); err != nil {
			t.Fatalf("RecordService returned error: %v", err)
		}
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun returned error: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected running status, got %q", got.Status)
	}
	if got.FinishedAt != nil || got.ExitCode != nil {
		t.Fatal("unfinished run must have nil finished_at and exit_code")
	}
	if len(got.Services) != 2 || got.Services[0].Service != "node" {
		t.Fatalf("unexpected services %+v", got.Services)
	}

	finished := started.Add(90 * time.Second)
	err = store.RecordFinish(ctx, Finish{
		RunID:      "run-1",
		Status:     "failed",
		ExitCode:   2,
		Reason:     "tester exited with code 2",
		FinishedAt: finished,
	})
	if err != nil {
		t.Fatalf("RecordFinish returned error: %v", err)
	}

	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun returned error: %v", err)
	}
	if got.Status != "failed" || got.ExitCode == nil || *got.ExitCode != 2 {
		t.Fatalf("unexpected terminal state %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("unexpected finished_at %v", got.FinishedAt)
	}
}

func TestStoreGetRunNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err := store.RecordFinish(context.Background(), Finish{RunID: "missing", Status: "passed"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from RecordFinish, got %v", err)
	}
}

func TestStoreListRunsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		err := store.RecordStart(ctx, Run{
			ID:             id,
			TestName:       "example",
			ManifestDigest: "d",
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordStart returned error: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("unexpected page %+v", runs)
	}

	runs, err = store.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-a" {
		t.Fatalf("unexpected second page %+v", runs)
	}
}

func TestStorePrune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	for id, at := range map[string]time.Time{"old-run": old, "new-run": recent} {
		if err := store.RecordStart(ctx, Run{ID: id, TestName: "example", ManifestDigest: "d", StartedAt: at}); err != nil {
			t.Fatalf("RecordStart returned error: %v", err)
		}
	}
	if err := store.RecordService(ctx, ServiceRun{RunID: "old-run", Service: "node", Image: "i", ContainerID: "c"}); err != nil {
		t.Fatalf("RecordService returned error: %v", err)
	}

	removed, err := store.Prune(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned run, got %d", removed)
	}
	if _, err := store.GetRun(ctx, "old-run"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old run gone, got %v", err)
	}
	if _, err := store.GetRun(ctx, "new-run"); err != nil {
		t.Fatalf("recent run must survive prune: %v", err)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}
