package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tiiuae/lerobot-edge/internal/archive"
	"github.com/tiiuae/lerobot-edge/internal/config"
	"github.com/tiiuae/lerobot-edge/internal/dataset"
	"github.com/tiiuae/lerobot-edge/internal/logging"
	"github.com/tiiuae/lerobot-edge/internal/merge"
	"github.com/tiiuae/lerobot-edge/internal/services"
	"github.com/tiiuae/lerobot-edge/internal/upload"
)

// discoverSources lists the dataset directories under the base path in
// lexicographic order, excluding the merged output, hidden entries, and
// staging leftovers.
func (o *Orchestrator) discoverSources() ([]string, error) {
	entries, err := os.ReadDir(o.cfg.Paths.BasePath)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "pipeline", "list datasets", o.cfg.Paths.BasePath, err)
	}
	var sources []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if name == o.cfg.Pipeline.MergedName || strings.HasSuffix(name, ".merge-tmp") {
			continue
		}
		sources = append(sources, filepath.Join(o.cfg.Paths.BasePath, name))
	}
	sort.Strings(sources)
	return sources, nil
}

// runConversion upgrades every source dataset to the current schema version.
// A failed dataset is excluded from the run or aborts it, per the configured
// policy.
func (o *Orchestrator) runConversion(ctx context.Context, log *slog.Logger) (string, error) {
	sources, err := o.discoverSources()
	if err != nil {
		return "", err
	}
	if len(sources) == 0 {
		return "", services.Wrap(services.ErrPrecondition, "conversion", "discover datasets",
			fmt.Sprintf("no dataset directories under %s", o.cfg.Paths.BasePath), nil)
	}

	converted := 0
	var skipped []string
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dsCtx := services.WithDataset(ctx, filepath.Base(src))
		if err := o.converter.Convert(dsCtx, src); err != nil {
			if o.cfg.Pipeline.OnConvertError == config.ConvertErrorAbort || services.Fatal(err) {
				return "", err
			}
			logging.WithContext(dsCtx, log).Warn("dataset excluded from run", logging.Error(err))
			skipped = append(skipped, filepath.Base(src))
			continue
		}
		converted++
	}
	detail := fmt.Sprintf("%d datasets at current version", converted)
	if len(skipped) > 0 {
		detail += fmt.Sprintf(", %d skipped (%s)", len(skipped), strings.Join(skipped, ", "))
	}
	return detail, nil
}

// runMerge consolidates every current-version source dataset into the merged
// output. Datasets still at a stale version are excluded with a warning so
// the skip policy composes with --start-from merge.
func (o *Orchestrator) runMerge(ctx context.Context, log *slog.Logger, report *Report, opts Options) (string, error) {
	sources, err := o.discoverSources()
	if err != nil {
		return "", err
	}
	var current []string
	for _, src := range sources {
		version, err := dataset.Version(src)
		if err != nil {
			return "", err
		}
		if version != dataset.CurrentVersion {
			log.Warn("dataset not at current version, excluded from merge",
				logging.String(logging.FieldDataset, filepath.Base(src)),
				logging.String("version", version))
			continue
		}
		current = append(current, src)
	}
	if len(current) == 0 {
		return "", services.Wrap(services.ErrPrecondition, "merge", "discover datasets",
			fmt.Sprintf("no current-version datasets under %s", o.cfg.Paths.BasePath), nil)
	}

	engine := merge.New(o.logger)
	summary, err := engine.Merge(ctx, current, o.MergedPath(), merge.Options{
		Overwrite: opts.Overwrite || o.cfg.Pipeline.Overwrite,
	})
	if err != nil {
		return "", err
	}
	report.MergeSummary = summary
	return fmt.Sprintf("%d datasets merged: %d episodes, %d frames",
		len(current), summary.TotalEpisodes, summary.TotalFrames), nil
}

// runUpload archives the merged dataset and ships it. The upload
// configuration is validated before the archiver mutates anything.
func (o *Orchestrator) runUpload(ctx context.Context, log *slog.Logger, report *Report) (string, error) {
	if err := o.cfg.ValidateUpload(); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "upload", "validate configuration", "", err)
	}
	mergedPath := o.MergedPath()
	if _, err := os.Stat(mergedPath); err != nil {
		return "", services.Wrap(services.ErrPrecondition, "upload", "locate merged dataset", mergedPath, err)
	}

	res, err := archive.Archive(ctx, mergedPath, o.logger)
	if err != nil {
		return "", err
	}
	report.ArchivePath = res.Path
	report.ArchiveSize = res.Size

	dialer := o.Dialer
	if dialer == nil {
		dialer = upload.NewSFTPDialer(upload.SFTPConfig{
			Host:     o.cfg.SFTP.Hostname,
			Port:     o.cfg.SFTP.Port,
			User:     o.cfg.SFTP.Username,
			Password: o.cfg.SFTP.Password,
			KeyFile:  o.cfg.SFTP.KeyFile,
			Timeout:  time.Duration(o.cfg.SFTP.ConnectTimeout) * time.Second,
		})
	}
	controller := upload.New(dialer, upload.RetryPolicy{
		MaxAttempts: o.cfg.SFTP.MaxAttempts,
		BaseDelay:   time.Duration(o.cfg.SFTP.RetryBaseDelay) * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}, o.logger)
	controller.ProgressWriter = o.ProgressWriter

	uploaded, err := controller.Upload(ctx, res.Path, o.cfg.SFTP.RemotePath)
	if err != nil {
		return "", err
	}
	report.Upload = uploaded
	return fmt.Sprintf("%s uploaded to %s in %s",
		humanize.Bytes(uint64(res.Size)), uploaded.RemotePath, uploaded.Duration.Round(time.Millisecond)), nil
}
