package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiiuae/lerobot-edge/internal/logging"
	"github.com/tiiuae/lerobot-edge/internal/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var startFrom string
	var basePath string
	var mergedName string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline from the selected stage through upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := pipeline.ParseStage(startFrom)
			if err != nil {
				return err
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ApplyOverrides(basePath, mergedName); err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("prepare directories: %w", err)
			}

			logger, err := logging.New(logging.Options{
				Level:    cfg.Logging.Level,
				Format:   cfg.Logging.Format,
				FilePath: filepath.Join(cfg.Paths.LogDir, "lerobot-merge.log"),
			})
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}

			orch := pipeline.New(cfg, logger)
			orch.ProgressWriter = progressWriter(cmd.ErrOrStderr())

			report, runErr := orch.Run(cmd.Context(), pipeline.Options{
				StartFrom: stage,
				Overwrite: overwrite,
			})

			out := cmd.OutOrStdout()
			if report != nil && len(report.Stages) > 0 {
				fmt.Fprintln(out, renderStageReports(report.Stages))
			}
			if runErr != nil {
				return runErr
			}
			if report.Upload != nil {
				fmt.Fprintf(out, "Uploaded %s (sha256 %s)\n", report.Upload.RemotePath, report.Upload.LocalSHA256)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&startFrom, "start-from", string(pipeline.StageConversion), "First stage to execute (conversion, merge, upload)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "Directory containing the source datasets")
	cmd.Flags().StringVar(&mergedName, "merged-name", "", "Name of the merged output dataset")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing merged dataset")
	return cmd
}

func renderStageReports(reports []pipeline.StageReport) string {
	rows := make([][]string, 0, len(reports))
	for _, sr := range reports {
		detail := sr.Detail
		if sr.Err != nil {
			detail = sr.Err.Error()
		}
		rows = append(rows, []string{
			string(sr.Stage),
			sr.Status,
			sr.Duration.Round(time.Millisecond).String(),
			detail,
		})
	}
	return renderTable([]string{"Stage", "Status", "Duration", "Detail"}, rows, "Duration")
}
