package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kada-mandiya/analytics/cli/pkg/output"
	"github.com/kada-mandiya/analytics/pipeline/orchestrator"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Bronze to gold pipeline",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once",
	Long: `Run seeding, silver and gold once under the pipeline lock.

When another run holds the lock the run is recorded as skipped and the
command exits successfully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		seed, _ := cmd.Flags().GetString("seed")
		runType, _ := cmd.Flags().GetString("run-type")

		db, err := connectWarehouse(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		orch, closeNotifier := orchestrator.Build(ctx, cfg, db, cliLogger())
		defer closeNotifier()

		res := orch.RunOnce(ctx, orchestrator.Options{RunType: runType, SeedMode: seed})
		if err := renderResult(cmd, res); err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("pipeline run %s", res.Status)
		}
		return nil
	},
}

func renderResult(cmd *cobra.Command, res orchestrator.Result) error {
	format := outputFormat(cmd)
	if format != output.FormatTable {
		return output.Print(format, res, nil)
	}

	switch res.Status {
	case "success":
		output.Success("Run %s finished: %d rows in %s", res.RunID, res.Rows, res.Duration.Round(time.Millisecond))
	case "skipped":
		output.Warn("Run skipped: %s", res.Error)
		return nil
	default:
		output.Error("Run %s failed: %s", res.RunID, res.Error)
	}
	if len(res.Stages) == 0 {
		return nil
	}
	t := output.NewTable([]string{"STAGE", "ROWS", "ERROR"})
	for _, s := range res.Stages {
		t.AddRow([]string{s.Name, strconv.FormatInt(s.Rows, 10), s.Error})
	}
	t.Render()
	return nil
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineRunCmd)

	pipelineRunCmd.Flags().String("seed", "", "seed mode: none, business or all (default from config)")
	pipelineRunCmd.Flags().String("run-type", "pipeline_manual", "run type recorded in ops.etl_runs")
}
