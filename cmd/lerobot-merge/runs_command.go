package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiiuae/lerobot-edge/internal/runlog"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var showStages bool

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			journal, err := runlog.Open(cmd.Context(), runlog.PathFor(cfg.Paths.BasePath))
			if err != nil {
				return fmt.Errorf("open run journal: %w", err)
			}
			defer journal.Close()

			runs, err := journal.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, []string{
					run.ID,
					run.StartedAt.Local().Format(time.DateTime),
					run.StartStage,
					run.Status,
					fmt.Sprintf("%d", run.TotalEpisodes),
					fmt.Sprintf("%d", run.TotalFrames),
					run.RemotePath,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Run", "Started", "From", "Status", "Episodes", "Frames", "Remote"},
				rows, "Episodes", "Frames"))

			if !showStages {
				return nil
			}
			for _, run := range runs {
				stages, err := journal.ListStages(cmd.Context(), run.ID)
				if err != nil {
					return fmt.Errorf("list stages for %s: %w", run.ID, err)
				}
				if len(stages) == 0 {
					continue
				}
				stageRows := make([][]string, 0, len(stages))
				for _, st := range stages {
					detail := st.Detail
					if st.Error != "" {
						detail = st.Error
					}
					stageRows = append(stageRows, []string{
						st.Stage,
						st.Status,
						st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond).String(),
						detail,
					})
				}
				fmt.Fprintf(out, "\nRun %s\n", run.ID)
				fmt.Fprintln(out, renderTable(
					[]string{"Stage", "Status", "Duration", "Detail"},
					stageRows, "Duration"))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of runs to show")
	cmd.Flags().BoolVar(&showStages, "stages", false, "Include per-stage outcomes")
	return cmd
}
