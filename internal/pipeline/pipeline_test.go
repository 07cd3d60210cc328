package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tiiuae/lerobot-edge/internal/config"
	"github.com/tiiuae/lerobot-edge/internal/dataset"
	"github.com/tiiuae/lerobot-edge/internal/merge"
	"github.com/tiiuae/lerobot-edge/internal/pipeline"
	"github.com/tiiuae/lerobot-edge/internal/services"
	"github.com/tiiuae/lerobot-edge/internal/testsupport"
	"github.com/tiiuae/lerobot-edge/internal/upload"
)

// memTransport collects uploaded files in memory.
type memTransport struct {
	files map[string][]byte
	dirs  map[string]bool
}

type memFile struct {
	t    *memTransport
	path string
	buf  bytes.Buffer
}

func (f *memFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *memFile) Close() error {
	f.t.files[f.path] = f.buf.Bytes()
	return nil
}

func (m *memTransport) StatDir(path string) error {
	if !m.dirs[path] {
		return services.Wrap(services.ErrNotFound, "upload", "stat remote directory", path, nil)
	}
	return nil
}

func (m *memTransport) Create(path string) (io.WriteCloser, error) {
	return &memFile{t: m, path: path}, nil
}

func (m *memTransport) Rename(oldPath, newPath string) error {
	data, ok := m.files[oldPath]
	if !ok {
		return errors.New("no such file")
	}
	delete(m.files, oldPath)
	m.files[newPath] = data
	return nil
}

func (m *memTransport) Remove(path string) error {
	delete(m.files, path)
	return nil
}

func (m *memTransport) Size(path string) (int64, error) {
	data, ok := m.files[path]
	if !ok {
		return 0, errors.New("no such file")
	}
	return int64(len(data)), nil
}

func (m *memTransport) Close() error { return nil }

func testConfig(t *testing.T, base string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.BasePath = base
	cfg.Paths.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Pipeline.MergedName = "merged"
	cfg.SFTP.Hostname = "storage.example.com"
	cfg.SFTP.Username = "robot"
	cfg.SFTP.Password = "pw"
	cfg.SFTP.RemotePath = "/remote/datasets/"
	cfg.SFTP.MaxAttempts = 2
	cfg.SFTP.RetryBaseDelay = 1
	return &cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config) (*pipeline.Orchestrator, *memTransport) {
	t.Helper()
	transport := &memTransport{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/remote/datasets": true},
	}
	orch := pipeline.New(cfg, nil)
	orch.Dialer = func(ctx context.Context) (upload.Transport, error) {
		return transport, nil
	}
	return orch, transport
}

func TestRunAllStages(t *testing.T) {
	base := t.TempDir()
	testsupport.WriteV21Dataset(t, base, "move-blue-cup-v1", []testsupport.EpisodeSpec{{Frames: 50}, {Frames: 30}})
	testsupport.WriteV21Dataset(t, base, "move-green-cup-v1", []testsupport.EpisodeSpec{{Frames: 20}})
	cfg := testConfig(t, base)
	orch, transport := newOrchestrator(t, cfg)

	report, err := orch.Run(context.Background(), pipeline.Options{StartFrom: pipeline.StageConversion})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Stages) != 3 {
		t.Fatalf("expected 3 stage reports, got %d", len(report.Stages))
	}
	for _, sr := range report.Stages {
		if sr.Err != nil {
			t.Fatalf("stage %s failed: %v", sr.Stage, sr.Err)
		}
	}
	if report.MergeSummary == nil || report.MergeSummary.TotalEpisodes != 3 || report.MergeSummary.TotalFrames != 100 {
		t.Fatalf("unexpected merge summary: %+v", report.MergeSummary)
	}

	merged, err := dataset.Open(filepath.Join(base, "merged"))
	if err != nil {
		t.Fatalf("open merged dataset: %v", err)
	}
	if merged.Metadata().TotalEpisodes != 3 {
		t.Fatalf("unexpected merged totals: %+v", merged.Metadata())
	}

	data, ok := transport.files["/remote/datasets/merged.zip"]
	if !ok {
		t.Fatal("archive not uploaded")
	}
	if int64(len(data)) != report.ArchiveSize {
		t.Fatalf("uploaded %d bytes, archive is %d", len(data), report.ArchiveSize)
	}
	if report.Upload == nil || report.Upload.RemotePath != "/remote/datasets/merged.zip" {
		t.Fatalf("unexpected upload result: %+v", report.Upload)
	}
}

func TestRunStartFromMerge(t *testing.T) {
	base := t.TempDir()
	testsupport.WriteDataset(t, base, "ds-a", []testsupport.EpisodeSpec{{Frames: 10}})
	cfg := testConfig(t, base)
	orch, _ := newOrchestrator(t, cfg)

	report, err := orch.Run(context.Background(), pipeline.Options{StartFrom: pipeline.StageMerge})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Stages) != 2 {
		t.Fatalf("expected merge and upload only, got %d stages", len(report.Stages))
	}
	if report.Stages[0].Stage != pipeline.StageMerge {
		t.Fatalf("unexpected first stage: %s", report.Stages[0].Stage)
	}
}

func TestRunMergeFailureStopsPipeline(t *testing.T) {
	base := t.TempDir()
	testsupport.WriteDataset(t, base, "ds-a", []testsupport.EpisodeSpec{{Frames: 10}})
	// Existing output without overwrite is a merge precondition failure.
	if err := os.MkdirAll(filepath.Join(base, "merged"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := testConfig(t, base)
	orch, transport := newOrchestrator(t, cfg)

	_, err := orch.Run(context.Background(), pipeline.Options{StartFrom: pipeline.StageMerge})
	if !errors.Is(err, merge.ErrOutputExists) {
		t.Fatalf("expected ErrOutputExists, got %v", err)
	}
	if len(transport.files) != 0 {
		t.Fatal("upload must not run after a failed merge")
	}
}

func TestRunConversionSkipPolicyExcludesBadDataset(t *testing.T) {
	base := t.TempDir()
	testsupport.WriteDataset(t, base, "ds-good", []testsupport.EpisodeSpec{{Frames: 10}})
	// A dataset at an unknown version fails conversion.
	badPath := filepath.Join(base, "ds-bad")
	if err := os.MkdirAll(filepath.Join(badPath, "meta"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badPath, "meta", "info.json"), []byte(`{"codebase_version":"v1.0"}`), 0o644); err != nil {
		t.Fatalf("write info: %v", err)
	}
	cfg := testConfig(t, base)
	orch, _ := newOrchestrator(t, cfg)

	report, err := orch.Run(context.Background(), pipeline.Options{StartFrom: pipeline.StageConversion})
	if err != nil {
		t.Fatalf("Run with skip policy: %v", err)
	}
	if report.MergeSummary.TotalEpisodes != 1 {
		t.Fatalf("skipped dataset leaked into merge: %+v", report.MergeSummary)
	}
}

func TestRunConversionSkipPolicyStopsOnIOFailure(t *testing.T) {
	base := t.TempDir()
	testsupport.WriteDataset(t, base, "ds-good", []testsupport.EpisodeSpec{{Frames: 10}})
	broken := testsupport.WriteV21Dataset(t, base, "ds-broken", []testsupport.EpisodeSpec{{Frames: 5}})
	// An unreadable episode table is a run-level failure, not a
	// dataset-scoped one: replace the file with a directory so reads fail.
	episodes := filepath.Join(broken, "meta", "episodes.jsonl")
	if err := os.Remove(episodes); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.MkdirAll(episodes, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := testConfig(t, base)
	orch, transport := newOrchestrator(t, cfg)

	_, err := orch.Run(context.Background(), pipeline.Options{StartFrom: pipeline.StageConversion})
	if !errors.Is(err, services.ErrIO) {
		t.Fatalf("expected io failure to stop the run, got %v", err)
	}
	if len(transport.files) != 0 {
		t.Fatal("upload must not run after an aborted conversion")
	}
}

func TestRunConversionAbortPolicy(t *testing.T) {
	base := t.TempDir()
	badPath := filepath.Join(base, "ds-bad")
	if err := os.MkdirAll(filepath.Join(badPath, "meta"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badPath, "meta", "info.json"), []byte(`{"codebase_version":"v1.0"}`), 0o644); err != nil {
		t.Fatalf("write info: %v", err)
	}
	cfg := testConfig(t, base)
	cfg.Pipeline.OnConvertError = config.ConvertErrorAbort
	orch, _ := newOrchestrator(t, cfg)

	_, err := orch.Run(context.Background(), pipeline.Options{StartFrom: pipeline.StageConversion})
	if !errors.Is(err, services.ErrSchema) {
		t.Fatalf("expected conversion abort, got %v", err)
	}
}

func TestRunUploadRequiresConfiguration(t *testing.T) {
	base := t.TempDir()
	testsupport.WriteDataset(t, base, "ds-a", []testsupport.EpisodeSpec{{Frames: 10}})
	cfg := testConfig(t, base)
	cfg.SFTP.Hostname = ""
	orch, _ := newOrchestrator(t, cfg)

	_, err := orch.Run(context.Background(), pipeline.Options{StartFrom: pipeline.StageMerge})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	// The merged dataset must still exist: a later run can resume with
	// --start-from upload.
	if _, statErr := os.Stat(filepath.Join(base, "merged")); statErr != nil {
		t.Fatalf("merge output missing after upload config failure: %v", statErr)
	}
}

func TestParseStage(t *testing.T) {
	for raw, want := range map[string]pipeline.Stage{
		"conversion": pipeline.StageConversion,
		"merge":      pipeline.StageMerge,
		"Upload":     pipeline.StageUpload,
	} {
		got, err := pipeline.ParseStage(raw)
		if err != nil || got != want {
			t.Fatalf("ParseStage(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := pipeline.ParseStage("compress"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
