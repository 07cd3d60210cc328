package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/tiiuae/lerobot-edge/internal/dataset"
	"github.com/tiiuae/lerobot-edge/internal/fileutil"
	"github.com/tiiuae/lerobot-edge/internal/logging"
	"github.com/tiiuae/lerobot-edge/internal/services"
)

var (
	ErrEmptyInput     = errors.New("no source datasets")
	ErrOutputExists   = errors.New("output path already exists")
	ErrSchemaMismatch = errors.New("feature schema mismatch")
)

// Options controls merge behavior.
type Options struct {
	// Overwrite allows replacing an existing merged dataset. The old output
	// is removed only at commit time, so a failed merge leaves it intact.
	Overwrite bool
}

// Summary reports what a completed merge produced.
type Summary struct {
	TotalEpisodes int64
	TotalFrames   int64
	Sources       []dataset.SourceRange
}

// Engine merges source datasets into one globally re-indexed dataset.
type Engine struct {
	logger *slog.Logger
}

// New constructs a merge engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{logger: logger}
}

// offsets is the accumulator threaded through the ordered fold over sources.
type offsets struct {
	episode int64
	frame   int64
}

type source struct {
	ds      *dataset.Dataset
	records []dataset.EpisodeRecord
}

// Merge combines the source datasets, in lexicographic directory-name order,
// into a new dataset at outputPath. The output is built in a temporary
// directory and renamed into place on success; any failure removes the
// partial output, so the merge is all-or-nothing.
func (e *Engine) Merge(ctx context.Context, sourcePaths []string, outputPath string, opts Options) (*Summary, error) {
	log := logging.WithContext(ctx, e.logger)

	if len(sourcePaths) == 0 {
		return nil, services.Wrap(services.ErrPrecondition, "merge", "validate inputs", "", ErrEmptyInput)
	}
	if _, err := os.Stat(outputPath); err == nil && !opts.Overwrite {
		return nil, services.Wrap(services.ErrPrecondition, "merge", "validate inputs", outputPath, ErrOutputExists)
	}

	ordered := append([]string(nil), sourcePaths...)
	sort.Slice(ordered, func(i, j int) bool {
		bi, bj := filepath.Base(ordered[i]), filepath.Base(ordered[j])
		if bi != bj {
			return bi < bj
		}
		return ordered[i] < ordered[j]
	})

	sources, err := openSources(ordered)
	if err != nil {
		return nil, err
	}
	if err := e.checkFreeSpace(log, ordered, outputPath); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	first := sources[0].ds.Metadata()
	tmp := outputPath + ".merge-tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return nil, services.Wrap(services.ErrIO, "merge", "clear staging", tmp, err)
	}
	out, err := dataset.Create(tmp, dataset.Metadata{
		CodebaseVersion: dataset.CurrentVersion,
		DatasetID:       filepath.Base(outputPath),
		RobotType:       first.RobotType,
		FPS:             first.FPS,
		Features:        first.Features,
		VideoLayout:     "relocated",
	})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	var (
		off        offsets
		shardCount int64
		provenance []dataset.SourceRange
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		appended, relocated, err := rewriteSource(src, off, &shardCount)
		if err != nil {
			return nil, err
		}
		if err := out.AppendEpisodes(appended, relocated); err != nil {
			return nil, err
		}

		episodes := int64(len(src.records))
		frames := frameTotal(src.records)
		provenance = append(provenance, dataset.SourceRange{
			DatasetID:    src.ds.ID(),
			EpisodeStart: off.episode,
			EpisodeEnd:   off.episode + episodes,
			FrameStart:   off.frame,
			FrameEnd:     off.frame + frames,
		})
		log.Info("source merged",
			logging.String(logging.FieldDataset, src.ds.ID()),
			logging.Int64("episodes", episodes),
			logging.Int64("frames", frames),
			logging.Int64("episode_offset", off.episode),
			logging.Int64("frame_offset", off.frame))

		off = offsets{episode: off.episode + episodes, frame: off.frame + frames}
	}

	if stats, ok := collectStats(sources); ok {
		if err := out.WriteStats(stats); err != nil {
			return nil, err
		}
	}

	meta := out.Metadata()
	meta.TotalEpisodes = off.episode
	meta.TotalFrames = off.frame
	meta.TotalShards = shardCount
	meta.Sources = provenance
	if err := out.WriteMetadata(meta); err != nil {
		return nil, err
	}

	if opts.Overwrite {
		if err := os.RemoveAll(outputPath); err != nil {
			return nil, services.Wrap(services.ErrIO, "merge", "remove previous output", outputPath, err)
		}
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return nil, services.Wrap(services.ErrIO, "merge", "commit output", outputPath, err)
	}
	committed = true

	return &Summary{TotalEpisodes: off.episode, TotalFrames: off.frame, Sources: provenance}, nil
}

// openSources opens every source in order and validates the merge
// preconditions: each episode table is contiguous, each metadata document
// matches its table, and every feature schema equals the first source's.
// Nothing is written before this returns.
func openSources(ordered []string) ([]source, error) {
	sources := make([]source, 0, len(ordered))
	for _, p := range ordered {
		ds, err := dataset.Open(p)
		if err != nil {
			return nil, err
		}
		records, err := ds.ReadEpisodes()
		if err != nil {
			return nil, err
		}
		if err := dataset.CheckContiguity(records); err != nil {
			return nil, err
		}
		meta := ds.Metadata()
		if meta.TotalEpisodes != int64(len(records)) {
			return nil, services.Wrap(services.ErrSchema, "merge", "validate source",
				fmt.Sprintf("%s: metadata says %d episodes, table has %d", p, meta.TotalEpisodes, len(records)), nil)
		}
		if frames := frameTotal(records); meta.TotalFrames != frames {
			return nil, services.Wrap(services.ErrSchema, "merge", "validate source",
				fmt.Sprintf("%s: metadata says %d frames, table sums to %d", p, meta.TotalFrames, frames), nil)
		}
		sources = append(sources, source{ds: ds, records: records})
	}

	first := sources[0].ds.Metadata()
	for _, src := range sources[1:] {
		meta := src.ds.Metadata()
		if !dataset.SchemaEqual(first.Features, meta.Features) {
			return nil, services.Wrap(services.ErrSchema, "merge", "validate schema",
				fmt.Sprintf("%s vs %s", sources[0].ds.ID(), src.ds.ID()), ErrSchemaMismatch)
		}
		if meta.FPS != first.FPS {
			return nil, services.Wrap(services.ErrSchema, "merge", "validate schema",
				fmt.Sprintf("%s has fps %v, %s has %v", sources[0].ds.ID(), first.FPS, src.ds.ID(), meta.FPS), ErrSchemaMismatch)
		}
		if meta.RobotType != first.RobotType {
			return nil, services.Wrap(services.ErrSchema, "merge", "validate schema",
				fmt.Sprintf("%s has robot %q, %s has %q", sources[0].ds.ID(), first.RobotType, src.ds.ID(), meta.RobotType), ErrSchemaMismatch)
		}
	}
	return sources, nil
}

// rewriteSource re-indexes one source's episode records into the merged
// namespace and assigns its shard files sequential names under videos/.
// relocated maps the new dataset-relative shard path to the absolute source
// payload.
func rewriteSource(src source, off offsets, shardCount *int64) ([]dataset.EpisodeRecord, map[string]string, error) {
	renamed := make(map[string]string)
	relocated := make(map[string]string)
	out := make([]dataset.EpisodeRecord, 0, len(src.records))
	for _, rec := range src.records {
		shards := make([]dataset.ShardRef, 0, len(rec.Shards))
		for _, ref := range rec.Shards {
			newRel, ok := renamed[ref.Path]
			if !ok {
				abs := src.ds.ShardAbs(ref.Path)
				if _, err := os.Stat(abs); err != nil {
					return nil, nil, services.Wrap(services.ErrIO, "merge", "resolve shard", abs, err)
				}
				newRel = fmt.Sprintf("%s/shard_%06d%s", dataset.VideosDir, *shardCount, path.Ext(ref.Path))
				renamed[ref.Path] = newRel
				relocated[newRel] = abs
				*shardCount++
			}
			shards = append(shards, dataset.ShardRef{Path: newRel, FrameFrom: ref.FrameFrom, FrameTo: ref.FrameTo})
		}
		out = append(out, dataset.EpisodeRecord{
			Index:     rec.Index + off.episode,
			FrameFrom: rec.FrameFrom + off.frame,
			Length:    rec.Length,
			Tasks:     rec.Tasks,
			Success:   rec.Success,
			Shards:    shards,
			Extras:    rec.Extras,
		})
	}
	return out, relocated, nil
}

func collectStats(sources []source) (map[string]dataset.FeatureStats, bool) {
	all := make([]map[string]dataset.FeatureStats, 0, len(sources))
	for _, src := range sources {
		stats, ok, err := src.ds.ReadStats()
		if err != nil || !ok {
			return nil, false
		}
		all = append(all, stats)
	}
	return dataset.MergeFeatureStats(all)
}

func (e *Engine) checkFreeSpace(log *slog.Logger, sources []string, outputPath string) error {
	var need int64
	for _, p := range sources {
		size, err := fileutil.DirSize(p)
		if err != nil {
			return services.Wrap(services.ErrIO, "merge", "size source", p, err)
		}
		need += size
	}
	avail, err := fileutil.FreeSpace(filepath.Dir(outputPath))
	if err != nil {
		// Statfs can fail on exotic filesystems; the write path will
		// surface a real disk-full error if there is one.
		log.Debug("free space check skipped", logging.Error(err))
		return nil
	}
	// Shards are hard-linked when sources share the output volume, so this
	// is the conservative upper bound.
	if avail < need {
		return services.Wrap(services.ErrPrecondition, "merge", "free space",
			fmt.Sprintf("output volume has %d bytes free, sources total %d", avail, need), nil)
	}
	return nil
}

func frameTotal(records []dataset.EpisodeRecord) int64 {
	var total int64
	for _, rec := range records {
		total += rec.Length
	}
	return total
}
