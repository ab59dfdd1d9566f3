package cmd

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kada-mandiya/analytics/cli/pkg/output"
	"github.com/kada-mandiya/analytics/warehouse/runs"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Pipeline run history",
}

var runsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := connectWarehouse(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := runs.NewLog(db).List(ctx, limit)
		if err != nil {
			return err
		}

		format := outputFormat(cmd)
		if format == output.FormatTable && len(list) == 0 {
			output.Info("No runs found")
			return nil
		}
		return output.Print(format, list, func() *output.Table {
			t := output.NewTable([]string{"RUN ID", "TYPE", "STATUS", "STARTED", "FINISHED", "ROWS", "ERROR"})
			for _, r := range list {
				msg := ""
				if r.ErrorMessage != nil {
					msg = shorten(*r.ErrorMessage, 60)
				}
				t.AddRow([]string{
					r.ID,
					r.Type,
					output.Status(r.Status),
					formatTime(&r.StartedAt),
					formatTime(r.FinishedAt),
					strconv.FormatInt(r.RowsInserted, 10),
					msg,
				})
			}
			return t
		})
	},
}

var runsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail runs stuck in running",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		prefix, _ := cmd.Flags().GetString("prefix")

		db, err := connectWarehouse(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := runs.NewLog(db).FailStale(ctx, olderThan, prefix)
		if err != nil {
			return err
		}

		format := outputFormat(cmd)
		if format != output.FormatTable {
			return output.Print(format, map[string]int64{"reaped": n}, nil)
		}
		if n == 0 {
			output.Info("No stale runs")
			return nil
		}
		output.Success("Marked %d stale runs as failed", n)
		return nil
	},
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsReapCmd)

	runsListCmd.Flags().Int("limit", 20, "maximum runs to list")
	runsReapCmd.Flags().Duration("older-than", 10*time.Minute, "age after which a running row counts as stale")
	runsReapCmd.Flags().String("prefix", "", "only reap run types with this prefix")
}
