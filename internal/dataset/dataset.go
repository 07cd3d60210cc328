package dataset

// On-disk layout of a dataset at the current schema version:
//
//	<root>/meta/info.json       metadata document
//	<root>/meta/episodes.jsonl  one episode record per line, ordered by index
//	<root>/meta/stats.json      aggregate feature statistics (optional)
//	<root>/videos/...           video shard payloads
//	<root>/data/...             frame table payloads (opaque to this package)
const (
	CurrentVersion  = "v3.0"
	PreviousVersion = "v2.1"

	MetaDir      = "meta"
	InfoFile     = "info.json"
	EpisodesFile = "episodes.jsonl"
	StatsFile    = "stats.json"
	VideosDir    = "videos"
	DataDir      = "data"
)

// Feature describes one entry of the dataset's feature schema.
type Feature struct {
	DType string   `json:"dtype"`
	Shape []int64  `json:"shape"`
	Names []string `json:"names,omitempty"`
}

// SourceRange records where one source dataset landed inside a merged
// dataset. End indices are exclusive.
type SourceRange struct {
	DatasetID    string `json:"dataset_id"`
	EpisodeStart int64  `json:"episode_start"`
	EpisodeEnd   int64  `json:"episode_end"`
	FrameStart   int64  `json:"frame_start"`
	FrameEnd     int64  `json:"frame_end"`
}

// Metadata is the dataset's global metadata document.
type Metadata struct {
	CodebaseVersion string             `json:"codebase_version"`
	DatasetID       string             `json:"dataset_id"`
	RobotType       string             `json:"robot_type"`
	FPS             float64            `json:"fps"`
	Features        map[string]Feature `json:"features"`
	TotalEpisodes   int64              `json:"total_episodes"`
	TotalFrames     int64              `json:"total_frames"`
	TotalShards     int64              `json:"total_shards"`
	// VideoLayout documents how shard references resolve: "local" for a
	// recorded dataset, "relocated" for a merged dataset whose shards were
	// moved under its own videos directory.
	VideoLayout string        `json:"video_layout,omitempty"`
	Sources     []SourceRange `json:"sources,omitempty"`
}

// ShardRef points an episode at the video payload covering its frames.
// Paths are dataset-relative; FrameTo is exclusive.
type ShardRef struct {
	Path      string `json:"path"`
	FrameFrom int64  `json:"frame_from"`
	FrameTo   int64  `json:"frame_to"`
}

// EpisodeRecord is one row of the episode table.
type EpisodeRecord struct {
	Index     int64          `json:"episode_index"`
	FrameFrom int64          `json:"frame_from"`
	Length    int64          `json:"length"`
	Tasks     []string       `json:"tasks,omitempty"`
	Success   bool           `json:"success"`
	Shards    []ShardRef     `json:"shards"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// SchemaEqual reports whether two feature schemas are structurally identical:
// same feature names, dtypes, shapes, and per-dimension names.
func SchemaEqual(a, b map[string]Feature) bool {
	if len(a) != len(b) {
		return false
	}
	for name, fa := range a {
		fb, ok := b[name]
		if !ok {
			return false
		}
		if fa.DType != fb.DType {
			return false
		}
		if len(fa.Shape) != len(fb.Shape) {
			return false
		}
		for i := range fa.Shape {
			if fa.Shape[i] != fb.Shape[i] {
				return false
			}
		}
		if len(fa.Names) != len(fb.Names) {
			return false
		}
		for i := range fa.Names {
			if fa.Names[i] != fb.Names[i] {
				return false
			}
		}
	}
	return true
}
