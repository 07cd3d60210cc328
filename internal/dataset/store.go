package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tiiuae/lerobot-edge/internal/fileutil"
	"github.com/tiiuae/lerobot-edge/internal/services"
)

// Dataset is an open handle to one dataset directory.
type Dataset struct {
	root string
	meta Metadata
}

// Open opens a dataset at the current schema version. A missing directory or
// metadata document maps to services.ErrNotFound; an unparsable document or a
// stale schema version maps to services.ErrSchema.
func Open(path string) (*Dataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "dataset", "open", path, err)
		}
		return nil, services.Wrap(services.ErrIO, "dataset", "open", path, err)
	}
	if !info.IsDir() {
		return nil, services.Wrap(services.ErrSchema, "dataset", "open", path+" is not a directory", nil)
	}

	meta, err := readInfo(path)
	if err != nil {
		return nil, err
	}
	if meta.CodebaseVersion != CurrentVersion {
		return nil, services.Wrap(services.ErrSchema, "dataset", "open",
			fmt.Sprintf("%s: version %q, expected %q", path, meta.CodebaseVersion, CurrentVersion), nil)
	}
	return &Dataset{root: path, meta: meta}, nil
}

// Create initializes a new empty dataset directory with the given metadata.
// The directory must not already exist.
func Create(path string, meta Metadata) (*Dataset, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, services.Wrap(services.ErrPrecondition, "dataset", "create", path+" already exists", nil)
	}
	if meta.CodebaseVersion == "" {
		meta.CodebaseVersion = CurrentVersion
	}
	for _, dir := range []string{path, filepath.Join(path, MetaDir), filepath.Join(path, VideosDir), filepath.Join(path, DataDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, services.Wrap(services.ErrIO, "dataset", "create", dir, err)
		}
	}
	d := &Dataset{root: path, meta: meta}
	if err := d.WriteMetadata(meta); err != nil {
		return nil, err
	}
	return d, nil
}

// Version reads only the schema version of the dataset at path, tolerating
// layouts this package cannot otherwise parse.
func Version(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(path, MetaDir, InfoFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", services.Wrap(services.ErrNotFound, "dataset", "read version", path, err)
		}
		return "", services.Wrap(services.ErrIO, "dataset", "read version", path, err)
	}
	var doc struct {
		CodebaseVersion string `json:"codebase_version"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", services.Wrap(services.ErrSchema, "dataset", "read version", path, err)
	}
	return doc.CodebaseVersion, nil
}

// Root returns the dataset directory path.
func (d *Dataset) Root() string {
	return d.root
}

// Metadata returns the metadata document read at open time or written last.
func (d *Dataset) Metadata() Metadata {
	return d.meta
}

// ID returns the dataset identifier, falling back to the directory name when
// the metadata document carries none.
func (d *Dataset) ID() string {
	if id := strings.TrimSpace(d.meta.DatasetID); id != "" {
		return id
	}
	return filepath.Base(d.root)
}

// ReadEpisodes returns the ordered episode table.
func (d *Dataset) ReadEpisodes() ([]EpisodeRecord, error) {
	path := filepath.Join(d.root, MetaDir, EpisodesFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrIO, "dataset", "read episodes", path, err)
	}
	defer f.Close()

	var records []EpisodeRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec EpisodeRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, services.Wrap(services.ErrSchema, "dataset", "read episodes",
				fmt.Sprintf("%s line %d", path, line), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, services.Wrap(services.ErrIO, "dataset", "read episodes", path, err)
	}
	return records, nil
}

// AppendEpisodes relocates shard payloads into the dataset and appends the
// given records to the episode table. shards maps dataset-relative
// destination paths to absolute source files; payloads are hard-linked when
// possible. The episode table update is atomic: the extended table is staged
// to a temporary file and renamed into place after all payloads landed.
func (d *Dataset) AppendEpisodes(records []EpisodeRecord, shards map[string]string) error {
	for rel, src := range shards {
		dst := filepath.Join(d.root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return services.Wrap(services.ErrIO, "dataset", "append episodes", dst, err)
		}
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := fileutil.LinkOrCopy(src, dst); err != nil {
			return services.Wrap(services.ErrIO, "dataset", "relocate shard", src, err)
		}
	}

	path := filepath.Join(d.root, MetaDir, EpisodesFile)
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrIO, "dataset", "append episodes", path, err)
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return services.Wrap(services.ErrIO, "dataset", "append episodes", path, err)
		}
	}
	if err := fileutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return services.Wrap(services.ErrIO, "dataset", "append episodes", path, err)
	}
	return nil
}

// WriteMetadata atomically replaces the metadata document.
func (d *Dataset) WriteMetadata(meta Metadata) error {
	if meta.CodebaseVersion == "" {
		meta.CodebaseVersion = CurrentVersion
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrIO, "dataset", "write metadata", d.root, err)
	}
	path := filepath.Join(d.root, MetaDir, InfoFile)
	if err := fileutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return services.Wrap(services.ErrIO, "dataset", "write metadata", path, err)
	}
	d.meta = meta
	return nil
}

// ShardAbs resolves a dataset-relative shard path to an absolute path.
func (d *Dataset) ShardAbs(rel string) string {
	return filepath.Join(d.root, filepath.FromSlash(rel))
}

func readInfo(root string) (Metadata, error) {
	path := filepath.Join(root, MetaDir, InfoFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, services.Wrap(services.ErrNotFound, "dataset", "read metadata", path, err)
		}
		return Metadata{}, services.Wrap(services.ErrIO, "dataset", "read metadata", path, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, services.Wrap(services.ErrSchema, "dataset", "read metadata", path, err)
	}
	return meta, nil
}

// CheckContiguity verifies the episode table invariants: indices contiguous
// from 0 and frame ranges globally contiguous.
func CheckContiguity(records []EpisodeRecord) error {
	var frame int64
	for i, rec := range records {
		if rec.Index != int64(i) {
			return services.Wrap(services.ErrSchema, "dataset", "episode table",
				fmt.Sprintf("episode %d has index %d", i, rec.Index), nil)
		}
		if rec.FrameFrom != frame {
			return services.Wrap(services.ErrSchema, "dataset", "episode table",
				fmt.Sprintf("episode %d starts at frame %d, expected %d", i, rec.FrameFrom, frame), nil)
		}
		if rec.Length <= 0 {
			return services.Wrap(services.ErrSchema, "dataset", "episode table",
				fmt.Sprintf("episode %d has non-positive length %d", i, rec.Length), nil)
		}
		frame += rec.Length
	}
	return nil
}
