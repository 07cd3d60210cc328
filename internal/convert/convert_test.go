package convert_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tiiuae/lerobot-edge/internal/convert"
	"github.com/tiiuae/lerobot-edge/internal/dataset"
	"github.com/tiiuae/lerobot-edge/internal/services"
	"github.com/tiiuae/lerobot-edge/internal/testsupport"
)

func TestConvertUpgradesV21(t *testing.T) {
	path := testsupport.WriteV21Dataset(t, t.TempDir(), "move-blue-cup-feb12-v1.1", []testsupport.EpisodeSpec{
		{Frames: 50}, {Frames: 30}, {Frames: 20},
	})

	if err := convert.New(nil).Convert(context.Background(), path); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	ds, err := dataset.Open(path)
	if err != nil {
		t.Fatalf("open converted dataset: %v", err)
	}
	meta := ds.Metadata()
	if meta.CodebaseVersion != dataset.CurrentVersion {
		t.Fatalf("unexpected version: %q", meta.CodebaseVersion)
	}
	if meta.TotalEpisodes != 3 || meta.TotalFrames != 100 {
		t.Fatalf("unexpected totals: %d episodes, %d frames", meta.TotalEpisodes, meta.TotalFrames)
	}

	records, err := ds.ReadEpisodes()
	if err != nil {
		t.Fatalf("read episodes: %v", err)
	}
	if err := dataset.CheckContiguity(records); err != nil {
		t.Fatalf("converted table not contiguous: %v", err)
	}
	if records[2].FrameFrom != 80 {
		t.Fatalf("cumulative frame range wrong: %+v", records[2])
	}
	if len(records[0].Shards) != 1 || records[0].Shards[0].Path != "videos/episode_000000.mp4" {
		t.Fatalf("shard reference not derived: %+v", records[0].Shards)
	}
}

func TestConvertIsIdempotent(t *testing.T) {
	path := testsupport.WriteV21Dataset(t, t.TempDir(), "ds", []testsupport.EpisodeSpec{{Frames: 10}})
	conv := convert.New(nil)

	if err := conv.Convert(context.Background(), path); err != nil {
		t.Fatalf("first convert: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(path, "meta", "info.json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}

	if err := conv.Convert(context.Background(), path); err != nil {
		t.Fatalf("second convert: %v", err)
	}
	after, err := os.ReadFile(filepath.Join(path, "meta", "info.json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("re-converting a current dataset must be a no-op")
	}
}

func TestConvertLeavesSourceUntouchedOnFailure(t *testing.T) {
	path := testsupport.WriteV21Dataset(t, t.TempDir(), "ds", []testsupport.EpisodeSpec{{Frames: 10}, {Frames: 5}})
	// Remove one shard so the upgrade fails mid-validation.
	if err := os.Remove(filepath.Join(path, "videos", "episode_000001.mp4")); err != nil {
		t.Fatalf("remove shard: %v", err)
	}

	err := convert.New(nil).Convert(context.Background(), path)
	if !errors.Is(err, services.ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}

	version, err := dataset.Version(path)
	if err != nil {
		t.Fatalf("Version after failed convert: %v", err)
	}
	if version != dataset.PreviousVersion {
		t.Fatalf("failed conversion must leave the dataset at %s, got %s", dataset.PreviousVersion, version)
	}
	if _, err := os.Stat(filepath.Join(path, "meta.convert-tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("staging directory left behind after failure")
	}
}

func TestConvertRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ds")
	if err := os.MkdirAll(filepath.Join(path, "meta"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "meta", "info.json"), []byte(`{"codebase_version":"v1.6"}`), 0o644); err != nil {
		t.Fatalf("write info: %v", err)
	}

	err := convert.New(nil).Convert(context.Background(), path)
	if !errors.Is(err, services.ErrSchema) {
		t.Fatalf("expected ErrSchema for unknown version, got %v", err)
	}
}
