package dataset

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tiiuae/lerobot-edge/internal/fileutil"
	"github.com/tiiuae/lerobot-edge/internal/services"
)

// FeatureStats holds per-feature aggregate value statistics. Slices are
// element-wise over the flattened feature.
type FeatureStats struct {
	Min   []float64 `json:"min"`
	Max   []float64 `json:"max"`
	Mean  []float64 `json:"mean"`
	Count int64     `json:"count"`
}

// ReadStats returns the aggregate statistics document if present.
func (d *Dataset) ReadStats() (map[string]FeatureStats, bool, error) {
	path := filepath.Join(d.root, MetaDir, StatsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, services.Wrap(services.ErrIO, "dataset", "read stats", path, err)
	}
	var stats map[string]FeatureStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, false, services.Wrap(services.ErrSchema, "dataset", "read stats", path, err)
	}
	return stats, true, nil
}

// WriteStats atomically replaces the aggregate statistics document.
func (d *Dataset) WriteStats(stats map[string]FeatureStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrIO, "dataset", "write stats", d.root, err)
	}
	path := filepath.Join(d.root, MetaDir, StatsFile)
	if err := fileutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return services.Wrap(services.ErrIO, "dataset", "write stats", path, err)
	}
	return nil
}

// MergeFeatureStats reduces statistics from several sources into one
// document: element-wise min/max and a count-weighted mean. It returns false
// when the inputs disagree on shape, in which case the merged dataset simply
// omits stats.
func MergeFeatureStats(sources []map[string]FeatureStats) (map[string]FeatureStats, bool) {
	if len(sources) == 0 {
		return nil, false
	}
	merged := make(map[string]FeatureStats, len(sources[0]))
	for name, first := range sources[0] {
		dims := len(first.Min)
		if len(first.Max) != dims || len(first.Mean) != dims {
			return nil, false
		}
		out := FeatureStats{
			Min:  append([]float64(nil), first.Min...),
			Max:  append([]float64(nil), first.Max...),
			Mean: make([]float64, dims),
		}
		for i := range first.Mean {
			out.Mean[i] = first.Mean[i] * float64(first.Count)
		}
		out.Count = first.Count

		for _, src := range sources[1:] {
			st, ok := src[name]
			if !ok || len(st.Min) != dims || len(st.Max) != dims || len(st.Mean) != dims {
				return nil, false
			}
			for i := 0; i < dims; i++ {
				if st.Min[i] < out.Min[i] {
					out.Min[i] = st.Min[i]
				}
				if st.Max[i] > out.Max[i] {
					out.Max[i] = st.Max[i]
				}
				out.Mean[i] += st.Mean[i] * float64(st.Count)
			}
			out.Count += st.Count
		}
		if out.Count > 0 {
			for i := range out.Mean {
				out.Mean[i] /= float64(out.Count)
			}
		}
		merged[name] = out
	}
	// Every source must carry exactly the tracked feature set.
	for _, src := range sources {
		if len(src) != len(merged) {
			return nil, false
		}
	}
	return merged, true
}
