package archive

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/tiiuae/lerobot-edge/internal/logging"
	"github.com/tiiuae/lerobot-edge/internal/services"
)

// Ext is the archive file extension, including the dot.
const Ext = ".zip"

// Entry describes one archived file.
type Entry struct {
	Name string
	Size int64
}

// Result reports a produced archive.
type Result struct {
	Path    string
	Size    int64
	Entries []Entry
}

// Archive compresses every regular file under dir into a zip written next to
// it as <dir>.zip. Entry names are slash-separated relative paths in sorted
// order, with zeroed timestamps and normalized modes, so archiving unchanged
// content is byte-reproducible. The source directory is left in place.
func Archive(ctx context.Context, dir string, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "archive", "stat source", dir, err)
	}
	if !info.IsDir() {
		return nil, services.Wrap(services.ErrPrecondition, "archive", "stat source", dir+" is not a directory", nil)
	}

	var names []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "archive", "walk source", dir, err)
	}
	sort.Strings(names)

	outPath := dir + Ext
	tmpPath := outPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "archive", "create archive", tmpPath, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = out.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(out)
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size, err := addFile(zw, dir, name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: name, Size: size})
	}
	if err := zw.Close(); err != nil {
		return nil, services.Wrap(services.ErrIO, "archive", "finalize archive", tmpPath, err)
	}
	if err := out.Close(); err != nil {
		return nil, services.Wrap(services.ErrIO, "archive", "finalize archive", tmpPath, err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, services.Wrap(services.ErrIO, "archive", "commit archive", outPath, err)
	}
	committed = true

	archInfo, err := os.Stat(outPath)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "archive", "stat archive", outPath, err)
	}
	logger.Info("archive written",
		logging.String("path", outPath),
		logging.Int("files", len(entries)),
		logging.Int64("bytes", archInfo.Size()))
	return &Result{Path: outPath, Size: archInfo.Size(), Entries: entries}, nil
}

func addFile(zw *zip.Writer, dir, name string) (int64, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	f, err := os.Open(path)
	if err != nil {
		return 0, services.Wrap(services.ErrIO, "archive", "open file", path, err)
	}
	defer f.Close()

	// Fixed header fields keep the archive byte-identical for unchanged
	// content regardless of mtimes and umask.
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, services.Wrap(services.ErrIO, "archive", "add entry", name, err)
	}
	size, err := io.Copy(w, f)
	if err != nil {
		return 0, services.Wrap(services.ErrIO, "archive", "write entry", name, err)
	}
	return size, nil
}
