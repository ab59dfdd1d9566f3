package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kada-mandiya/analytics/cli/pkg/output"
	"github.com/kada-mandiya/analytics/common/ingeststats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show collector ingestion statistics from Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		source, _ := cmd.Flags().GetString("source")

		client, err := ingeststats.NewClient(ctx, cfg.Redis, "kmctl")
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()

		sources := []string{source}
		if source == "" {
			sources, err = client.ListSources(ctx)
			if err != nil {
				return err
			}
			sort.Strings(sources)
		}

		all := make([]*ingeststats.Stats, 0, len(sources))
		for _, s := range sources {
			st, err := client.GetStats(ctx, s)
			if err != nil {
				return err
			}
			all = append(all, st)
		}

		format := outputFormat(cmd)
		if format == output.FormatTable && len(all) == 0 {
			output.Info("No ingestion stats recorded")
			return nil
		}
		return output.Print(format, all, func() *output.Table {
			t := output.NewTable([]string{"SOURCE", "ACCEPTED", "DEAD LETTERED", "LAST HOUR", "LAST 24H", "IPS TODAY", "LAST SEEN"})
			for _, st := range all {
				t.AddRow([]string{
					st.Source,
					strconv.FormatInt(st.TotalAccepted, 10),
					strconv.FormatInt(st.TotalDeadLetter, 10),
					strconv.FormatInt(st.AcceptedLastHour, 10),
					strconv.FormatInt(st.AcceptedLast24h, 10),
					strconv.FormatInt(st.UniqueIPsToday, 10),
					formatTime(st.LastSeenAt),
				})
			}
			return t
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().String("source", "", "only show this source")
}
