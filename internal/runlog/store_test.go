package runlog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiiuae/lerobot-edge/internal/runlog"
)

func openStore(t *testing.T) *runlog.Store {
	t.Helper()
	store, err := runlog.Open(context.Background(), runlog.PathFor(t.TempDir()))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close journal: %v", err)
		}
	})
	return store
}

func TestRunRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	started := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	if err := store.BeginRun(ctx, "run-1", "conversion", started); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := store.RecordStage(ctx, "run-1", runlog.StageOutcome{
		Stage:      "merge",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Status:     runlog.StatusCompleted,
		Detail:     "10 episodes, 100 frames",
	}); err != nil {
		t.Fatalf("RecordStage: %v", err)
	}
	if err := store.FinishRun(ctx, runlog.Run{
		ID:            "run-1",
		FinishedAt:    started.Add(5 * time.Second),
		Status:        runlog.StatusCompleted,
		TotalEpisodes: 10,
		TotalFrames:   100,
		ArchiveSHA256: "abc123",
		RemotePath:    "/remote/datasets/merged.zip",
	}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.ID != "run-1" || run.Status != runlog.StatusCompleted {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.TotalEpisodes != 10 || run.TotalFrames != 100 {
		t.Fatalf("totals not persisted: %+v", run)
	}
	if !run.StartedAt.Equal(started) {
		t.Fatalf("started_at mismatch: %v", run.StartedAt)
	}
	if run.RemotePath != "/remote/datasets/merged.zip" {
		t.Fatalf("remote path not persisted: %q", run.RemotePath)
	}

	stages, err := store.ListStages(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListStages: %v", err)
	}
	if len(stages) != 1 || stages[0].Stage != "merge" || stages[0].Status != runlog.StatusCompleted {
		t.Fatalf("unexpected stages: %+v", stages)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := store.BeginRun(ctx, id, "merge", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("BeginRun %s: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(runs))
	}
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("unexpected order: %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestReopenExistingJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	store, err := runlog.Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.BeginRun(ctx, "run-1", "upload", time.Now()); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = runlog.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns after reopen: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected persisted run after reopen, got %d", len(runs))
	}
}

func TestPathFor(t *testing.T) {
	base := t.TempDir()
	want := filepath.Join(base, ".lerobot-merge", "runs.db")
	if got := runlog.PathFor(base); got != want {
		t.Fatalf("PathFor(%q) = %q, want %q", base, got, want)
	}
}
