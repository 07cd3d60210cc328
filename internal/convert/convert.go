package convert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tiiuae/lerobot-edge/internal/dataset"
	"github.com/tiiuae/lerobot-edge/internal/fileutil"
	"github.com/tiiuae/lerobot-edge/internal/logging"
	"github.com/tiiuae/lerobot-edge/internal/services"
)

// Converter upgrades one dataset directory to the current schema version in
// place. Implementations must be idempotent and must leave the directory
// untouched on failure.
type Converter interface {
	Convert(ctx context.Context, path string) error
}

const (
	tmpMetaDir    = "meta.convert-tmp"
	backupMetaDir = "meta.v21-backup"
)

// V21 converts datasets from the v2.1 layout, whose episode rows carry only
// the index, frame count, and task list; frame ranges and shard references
// are derived during the upgrade.
type V21 struct {
	logger *slog.Logger
}

// New returns a converter for the previous schema version.
func New(logger *slog.Logger) *V21 {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &V21{logger: logger}
}

type v21Info struct {
	CodebaseVersion string                     `json:"codebase_version"`
	DatasetID       string                     `json:"dataset_id"`
	RobotType       string                     `json:"robot_type"`
	FPS             float64                    `json:"fps"`
	Features        map[string]dataset.Feature `json:"features"`
	TotalEpisodes   int64                      `json:"total_episodes"`
	TotalFrames     int64                      `json:"total_frames"`
}

type v21Episode struct {
	Index   int64    `json:"episode_index"`
	Length  int64    `json:"length"`
	Tasks   []string `json:"tasks"`
	Success *bool    `json:"success"`
}

// Convert upgrades the dataset at path. Already-current datasets are a
// successful no-op. The new metadata is staged into a temporary directory
// and swapped in only after every record was rewritten, so a failed upgrade
// leaves the source as it was.
func (c *V21) Convert(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := recoverInterrupted(path); err != nil {
		return err
	}

	version, err := dataset.Version(path)
	if err != nil {
		return err
	}
	log := logging.WithContext(ctx, c.logger).With(logging.String(logging.FieldDataset, filepath.Base(path)))
	switch version {
	case dataset.CurrentVersion:
		log.Debug("dataset already at current version")
		return nil
	case dataset.PreviousVersion:
	default:
		return services.Wrap(services.ErrSchema, "conversion", "detect version",
			fmt.Sprintf("%s: unsupported version %q", path, version), nil)
	}

	info, episodes, err := readV21(path)
	if err != nil {
		return err
	}

	tmp := filepath.Join(path, tmpMetaDir)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return services.Wrap(services.ErrIO, "conversion", "stage metadata", tmp, err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.RemoveAll(tmp)
		}
	}()

	records, totalFrames, err := upgradeEpisodes(path, episodes)
	if err != nil {
		return err
	}
	if info.TotalFrames != 0 && info.TotalFrames != totalFrames {
		return services.Wrap(services.ErrSchema, "conversion", "episode table",
			fmt.Sprintf("%s: metadata says %d frames, episode table sums to %d", path, info.TotalFrames, totalFrames), nil)
	}

	var lines []byte
	for _, rec := range records {
		row, err := json.Marshal(rec)
		if err != nil {
			return services.Wrap(services.ErrIO, "conversion", "encode episodes", path, err)
		}
		lines = append(lines, row...)
		lines = append(lines, '\n')
	}
	if err := os.WriteFile(filepath.Join(tmp, dataset.EpisodesFile), lines, 0o644); err != nil {
		return services.Wrap(services.ErrIO, "conversion", "stage episodes", tmp, err)
	}

	meta := dataset.Metadata{
		CodebaseVersion: dataset.CurrentVersion,
		DatasetID:       info.DatasetID,
		RobotType:       info.RobotType,
		FPS:             info.FPS,
		Features:        info.Features,
		TotalEpisodes:   int64(len(records)),
		TotalFrames:     totalFrames,
		TotalShards:     int64(len(records)),
		VideoLayout:     "local",
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrIO, "conversion", "encode metadata", path, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, dataset.InfoFile), append(metaBytes, '\n'), 0o644); err != nil {
		return services.Wrap(services.ErrIO, "conversion", "stage metadata", tmp, err)
	}

	// Stats carry over unchanged when present.
	oldStats := filepath.Join(path, dataset.MetaDir, dataset.StatsFile)
	if _, err := os.Stat(oldStats); err == nil {
		if err := fileutil.CopyFile(oldStats, filepath.Join(tmp, dataset.StatsFile)); err != nil {
			return services.Wrap(services.ErrIO, "conversion", "stage stats", oldStats, err)
		}
	}

	if err := swapMeta(path); err != nil {
		return err
	}
	cleanup = false
	log.Info("dataset converted",
		logging.String("from", dataset.PreviousVersion),
		logging.String("to", dataset.CurrentVersion),
		logging.Int64("episodes", meta.TotalEpisodes),
		logging.Int64("frames", meta.TotalFrames))
	return nil
}

func readV21(path string) (v21Info, []v21Episode, error) {
	infoPath := filepath.Join(path, dataset.MetaDir, dataset.InfoFile)
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return v21Info{}, nil, services.Wrap(services.ErrIO, "conversion", "read metadata", infoPath, err)
	}
	var info v21Info
	if err := json.Unmarshal(data, &info); err != nil {
		return v21Info{}, nil, services.Wrap(services.ErrSchema, "conversion", "read metadata", infoPath, err)
	}

	episodesPath := filepath.Join(path, dataset.MetaDir, dataset.EpisodesFile)
	f, err := os.Open(episodesPath)
	if err != nil {
		return v21Info{}, nil, services.Wrap(services.ErrIO, "conversion", "read episodes", episodesPath, err)
	}
	defer f.Close()

	var episodes []v21Episode
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ep v21Episode
		if err := json.Unmarshal([]byte(text), &ep); err != nil {
			return v21Info{}, nil, services.Wrap(services.ErrSchema, "conversion", "read episodes",
				fmt.Sprintf("%s line %d", episodesPath, line), err)
		}
		episodes = append(episodes, ep)
	}
	if err := scanner.Err(); err != nil {
		return v21Info{}, nil, services.Wrap(services.ErrIO, "conversion", "read episodes", episodesPath, err)
	}
	return info, episodes, nil
}

func upgradeEpisodes(path string, episodes []v21Episode) ([]dataset.EpisodeRecord, int64, error) {
	records := make([]dataset.EpisodeRecord, 0, len(episodes))
	var frame int64
	for i, ep := range episodes {
		if ep.Index != int64(i) {
			return nil, 0, services.Wrap(services.ErrSchema, "conversion", "episode table",
				fmt.Sprintf("%s: episode %d has index %d", path, i, ep.Index), nil)
		}
		if ep.Length <= 0 {
			return nil, 0, services.Wrap(services.ErrSchema, "conversion", "episode table",
				fmt.Sprintf("%s: episode %d has non-positive length %d", path, i, ep.Length), nil)
		}
		shardRel := fmt.Sprintf("%s/episode_%06d.mp4", dataset.VideosDir, i)
		if _, err := os.Stat(filepath.Join(path, filepath.FromSlash(shardRel))); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, 0, services.Wrap(services.ErrSchema, "conversion", "shard lookup",
					fmt.Sprintf("%s: missing shard for episode %d", path, i), err)
			}
			return nil, 0, services.Wrap(services.ErrIO, "conversion", "shard lookup", path, err)
		}
		success := true
		if ep.Success != nil {
			success = *ep.Success
		}
		records = append(records, dataset.EpisodeRecord{
			Index:     int64(i),
			FrameFrom: frame,
			Length:    ep.Length,
			Tasks:     ep.Tasks,
			Success:   success,
			Shards:    []dataset.ShardRef{{Path: shardRel, FrameFrom: 0, FrameTo: ep.Length}},
		})
		frame += ep.Length
	}
	return records, frame, nil
}

// swapMeta commits the staged metadata: the old meta directory is moved
// aside, the staged one renamed into place, and the backup removed.
func swapMeta(path string) error {
	meta := filepath.Join(path, dataset.MetaDir)
	tmp := filepath.Join(path, tmpMetaDir)
	backup := filepath.Join(path, backupMetaDir)

	if err := os.Rename(meta, backup); err != nil {
		return services.Wrap(services.ErrIO, "conversion", "swap metadata", meta, err)
	}
	if err := os.Rename(tmp, meta); err != nil {
		// Put the original back so the dataset stays readable.
		_ = os.Rename(backup, meta)
		return services.Wrap(services.ErrIO, "conversion", "swap metadata", tmp, err)
	}
	if err := os.RemoveAll(backup); err != nil {
		return services.Wrap(services.ErrIO, "conversion", "remove backup", backup, err)
	}
	return nil
}

// recoverInterrupted repairs the narrow window where a previous run was
// killed between the two renames of swapMeta: the backup still holds the
// v2.1 metadata and the staged directory holds the upgrade.
func recoverInterrupted(path string) error {
	meta := filepath.Join(path, dataset.MetaDir)
	tmp := filepath.Join(path, tmpMetaDir)
	backup := filepath.Join(path, backupMetaDir)

	if _, err := os.Stat(meta); errors.Is(err, fs.ErrNotExist) {
		if _, backupErr := os.Stat(backup); backupErr == nil {
			if err := os.Rename(backup, meta); err != nil {
				return services.Wrap(services.ErrIO, "conversion", "recover metadata", backup, err)
			}
		}
	}
	if err := os.RemoveAll(tmp); err != nil {
		return services.Wrap(services.ErrIO, "conversion", "remove stale staging", tmp, err)
	}
	_ = os.RemoveAll(backup)
	return nil
}
