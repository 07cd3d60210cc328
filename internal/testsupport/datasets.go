package testsupport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tiiuae/lerobot-edge/internal/dataset"
)

// EpisodeSpec describes one fixture episode.
type EpisodeSpec struct {
	Frames int64
	Task   string
}

// Features returns the feature schema fixtures share by default.
func Features() map[string]dataset.Feature {
	return map[string]dataset.Feature{
		"observation.images.top": {DType: "video", Shape: []int64{480, 640, 3}},
		"observation.state":      {DType: "float32", Shape: []int64{14}},
		"action":                 {DType: "float32", Shape: []int64{14}},
	}
}

// WriteDataset builds a current-version dataset on disk with one shard file
// per episode and returns its path.
func WriteDataset(t testing.TB, dir, id string, episodes []EpisodeSpec) string {
	t.Helper()
	return WriteDatasetFeatures(t, dir, id, episodes, Features())
}

// WriteDatasetFeatures is WriteDataset with an explicit feature schema.
func WriteDatasetFeatures(t testing.TB, dir, id string, episodes []EpisodeSpec, features map[string]dataset.Feature) string {
	t.Helper()

	path := filepath.Join(dir, id)
	var totalFrames int64
	for _, ep := range episodes {
		totalFrames += ep.Frames
	}
	meta := dataset.Metadata{
		CodebaseVersion: dataset.CurrentVersion,
		DatasetID:       id,
		RobotType:       "aloha",
		FPS:             30,
		Features:        features,
		TotalEpisodes:   int64(len(episodes)),
		TotalFrames:     totalFrames,
		TotalShards:     int64(len(episodes)),
		VideoLayout:     "local",
	}
	ds, err := dataset.Create(path, meta)
	if err != nil {
		t.Fatalf("create fixture dataset %s: %v", id, err)
	}

	shardDir := t.TempDir()
	records := make([]dataset.EpisodeRecord, 0, len(episodes))
	shards := make(map[string]string, len(episodes))
	var frame int64
	for i, ep := range episodes {
		rel := fmt.Sprintf("videos/episode_%06d.mp4", i)
		src := filepath.Join(shardDir, fmt.Sprintf("%s-%06d.mp4", id, i))
		WriteShard(t, src, 64+int64(i))
		shards[rel] = src

		task := ep.Task
		if task == "" {
			task = "move the cup"
		}
		records = append(records, dataset.EpisodeRecord{
			Index:     int64(i),
			FrameFrom: frame,
			Length:    ep.Frames,
			Tasks:     []string{task},
			Success:   true,
			Shards:    []dataset.ShardRef{{Path: rel, FrameFrom: 0, FrameTo: ep.Frames}},
		})
		frame += ep.Frames
	}
	if err := ds.AppendEpisodes(records, shards); err != nil {
		t.Fatalf("append fixture episodes for %s: %v", id, err)
	}
	return path
}

// WriteStats attaches a simple statistics document to a fixture dataset.
func WriteStats(t testing.TB, path string, count int64, min, max, mean float64) {
	t.Helper()

	ds, err := dataset.Open(path)
	if err != nil {
		t.Fatalf("open fixture dataset %s: %v", path, err)
	}
	stats := map[string]dataset.FeatureStats{
		"action": {
			Min:   []float64{min},
			Max:   []float64{max},
			Mean:  []float64{mean},
			Count: count,
		},
	}
	if err := ds.WriteStats(stats); err != nil {
		t.Fatalf("write fixture stats for %s: %v", path, err)
	}
}

// WriteV21Dataset builds a previous-version dataset layout for converter
// tests: the episode rows carry only index, length, and tasks.
func WriteV21Dataset(t testing.TB, dir, id string, episodes []EpisodeSpec) string {
	t.Helper()

	path := filepath.Join(dir, id)
	for _, sub := range []string{"meta", "videos", "data"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}

	var totalFrames int64
	for _, ep := range episodes {
		totalFrames += ep.Frames
	}
	info := map[string]any{
		"codebase_version": dataset.PreviousVersion,
		"dataset_id":       id,
		"robot_type":       "aloha",
		"fps":              30,
		"features":         Features(),
		"total_episodes":   len(episodes),
		"total_frames":     totalFrames,
	}
	writeJSON(t, filepath.Join(path, "meta", "info.json"), info)

	var lines []byte
	for i, ep := range episodes {
		task := ep.Task
		if task == "" {
			task = "move the cup"
		}
		row, err := json.Marshal(map[string]any{
			"episode_index": i,
			"length":        ep.Frames,
			"tasks":         []string{task},
		})
		if err != nil {
			t.Fatalf("marshal v2.1 row: %v", err)
		}
		lines = append(lines, row...)
		lines = append(lines, '\n')
		WriteShard(t, filepath.Join(path, "videos", fmt.Sprintf("episode_%06d.mp4", i)), 64)
	}
	if err := os.WriteFile(filepath.Join(path, "meta", "episodes.jsonl"), lines, 0o644); err != nil {
		t.Fatalf("write v2.1 episodes: %v", err)
	}
	return path
}

func writeJSON(t testing.TB, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
