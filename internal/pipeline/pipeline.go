package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/tiiuae/lerobot-edge/internal/config"
	"github.com/tiiuae/lerobot-edge/internal/convert"
	"github.com/tiiuae/lerobot-edge/internal/logging"
	"github.com/tiiuae/lerobot-edge/internal/merge"
	"github.com/tiiuae/lerobot-edge/internal/runlog"
	"github.com/tiiuae/lerobot-edge/internal/services"
	"github.com/tiiuae/lerobot-edge/internal/upload"
)

const lockFileName = ".lerobot-merge.lock"

// Options selects what one run executes.
type Options struct {
	StartFrom Stage
	// Overwrite lets the merge stage replace an existing merged dataset.
	Overwrite bool
}

// StageReport is the user-facing outcome of one executed stage.
type StageReport struct {
	Stage    Stage
	Status   string
	Duration time.Duration
	Detail   string
	Err      error
}

// Report aggregates a full run.
type Report struct {
	RunID        string
	Stages       []StageReport
	MergeSummary *merge.Summary
	ArchivePath  string
	ArchiveSize  int64
	Upload       *upload.Result
}

// Orchestrator sequences the pipeline stages. Stages communicate only
// through on-disk artifacts, which is what makes --start-from well defined.
type Orchestrator struct {
	cfg       *config.Config
	logger    *slog.Logger
	converter convert.Converter

	// Dialer overrides the SFTP dialer; tests install a fake transport here.
	Dialer upload.Dialer
	// ProgressWriter, when set, surfaces a terminal progress bar during
	// upload.
	ProgressWriter io.Writer
}

// New constructs an orchestrator for the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		converter: convert.New(logger),
	}
}

// Run executes the pipeline from opts.StartFrom through upload. Exactly one
// run may operate on a base path at a time.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	startIdx := -1
	for i, st := range stageOrder {
		if st == opts.StartFrom {
			startIdx = i
		}
	}
	if startIdx < 0 {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "select stage", string(opts.StartFrom), nil)
	}
	if err := o.cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrIO, "pipeline", "prepare directories", o.cfg.Paths.BasePath, err)
	}

	lock := flock.New(filepath.Join(o.cfg.Paths.BasePath, lockFileName))
	held, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "pipeline", "acquire lock", lock.Path(), err)
	}
	if !held {
		return nil, services.Wrap(services.ErrPrecondition, "pipeline", "acquire lock",
			fmt.Sprintf("another run holds %s", lock.Path()), nil)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	report := &Report{RunID: uuid.NewString()}
	ctx = services.WithRunID(ctx, report.RunID)
	log := logging.WithContext(ctx, o.logger)

	journal, err := runlog.Open(ctx, runlog.PathFor(o.cfg.Paths.BasePath))
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "pipeline", "open run journal", o.cfg.Paths.BasePath, err)
	}
	defer journal.Close()

	startedAt := time.Now()
	if err := journal.BeginRun(ctx, report.RunID, string(opts.StartFrom), startedAt); err != nil {
		return nil, services.Wrap(services.ErrIO, "pipeline", "record run", journal.Path(), err)
	}

	var runErr error
	for _, st := range stageOrder[startIdx:] {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		if runErr = o.executeStage(ctx, log, journal, report, st, opts); runErr != nil {
			break
		}
	}

	final := runlog.Run{
		ID:         report.RunID,
		FinishedAt: time.Now(),
		Status:     runlog.StatusCompleted,
	}
	if report.MergeSummary != nil {
		final.TotalEpisodes = report.MergeSummary.TotalEpisodes
		final.TotalFrames = report.MergeSummary.TotalFrames
	}
	if report.Upload != nil {
		final.ArchiveSHA256 = report.Upload.LocalSHA256
		final.RemotePath = report.Upload.RemotePath
	}
	if runErr != nil {
		final.Status = runlog.StatusFailed
		final.Error = runErr.Error()
	}
	if err := journal.FinishRun(ctx, final); err != nil {
		log.Warn("failed to finalize run journal entry", logging.Error(err))
	}
	return report, runErr
}

// executeStage runs one stage with timing, logging, and journal recording.
func (o *Orchestrator) executeStage(ctx context.Context, log *slog.Logger, journal *runlog.Store, report *Report, st Stage, opts Options) error {
	stageCtx := services.WithStage(ctx, string(st))
	stageLog := logging.WithContext(stageCtx, o.logger)
	stageLog.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))
	started := time.Now()

	var detail string
	var err error
	switch st {
	case StageConversion:
		detail, err = o.runConversion(stageCtx, stageLog)
	case StageMerge:
		detail, err = o.runMerge(stageCtx, stageLog, report, opts)
	case StageUpload:
		detail, err = o.runUpload(stageCtx, stageLog, report)
	}
	duration := time.Since(started)

	sr := StageReport{Stage: st, Status: runlog.StatusCompleted, Duration: duration, Detail: detail, Err: err}
	outcome := runlog.StageOutcome{
		Stage:      string(st),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Status:     runlog.StatusCompleted,
		Detail:     detail,
	}
	if err != nil {
		sr.Status = runlog.StatusFailed
		outcome.Status = runlog.StatusFailed
		outcome.Error = err.Error()
		stageLog.Error("stage failed",
			logging.String(logging.FieldEventType, "stage_finish"),
			logging.Duration("duration", duration),
			logging.Error(err))
	} else {
		stageLog.Info("stage finished",
			logging.String(logging.FieldEventType, "stage_finish"),
			logging.Duration("duration", duration),
			logging.String("detail", detail))
	}
	report.Stages = append(report.Stages, sr)
	if jerr := journal.RecordStage(ctx, report.RunID, outcome); jerr != nil {
		stageLog.Warn("failed to record stage outcome", logging.Error(jerr))
	}
	return err
}

// MergedPath returns where the merge stage writes its output.
func (o *Orchestrator) MergedPath() string {
	return filepath.Join(o.cfg.Paths.BasePath, o.cfg.Pipeline.MergedName)
}
