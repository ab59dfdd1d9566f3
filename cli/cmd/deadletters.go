package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kada-mandiya/analytics/cli/pkg/output"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/warehouse/deadletter"

	natsclient "github.com/kada-mandiya/analytics/common/messaging/nats"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect dead letters",
}

var deadLettersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the newest dead letters from the warehouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := connectWarehouse(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := deadletter.NewSink(db).Recent(ctx, limit)
		if err != nil {
			return err
		}

		format := outputFormat(cmd)
		if format == output.FormatTable && len(records) == 0 {
			output.Info("No dead letters")
			return nil
		}
		return output.Print(format, records, func() *output.Table {
			t := output.NewTable([]string{"FAILED AT", "SOURCE", "REASON", "PAYLOAD"})
			for _, r := range records {
				t.AddRow([]string{formatTime(&r.FailedAt), r.Source, r.Reason, shorten(r.Payload, 80)})
			}
			return t
		})
	},
}

var deadLettersWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the JetStream dead letter mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetUint64("last")
		return tailStream(cmd, natsclient.DeadLetterStream, last)
	},
}

var runsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow pipeline run notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetUint64("last")
		return tailStream(cmd, natsclient.PipelineRunsStream, last)
	},
}

// streamEntry is one tailed message.
type streamEntry struct {
	Time    time.Time `json:"time" yaml:"time"`
	Subject string    `json:"subject" yaml:"subject"`
	ID      string    `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Data    string    `json:"data" yaml:"data"`
}

func tailStream(cmd *cobra.Command, stream natsclient.StreamConfig, last uint64) error {
	if !cfg.NATS.Enabled {
		return fmt.Errorf("NATS is disabled (set ANALYTICS_NATS_ENABLED=true)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	js, err := natsclient.ConnectStreams(ctx,
		natsclient.FromConfig(cfg.NATS, "kmctl", cliLogger().Logger),
		stream)
	if err != nil {
		return fmt.Errorf("failed to connect to JetStream: %w", err)
	}
	defer js.Close()

	format := outputFormat(cmd)
	if format == output.FormatTable {
		output.Info("Following %s (Ctrl-C to stop)", stream.Name)
	}
	return js.Tail(ctx, stream.Name, last, func(_ context.Context, msg *messaging.Message) error {
		entry := streamEntry{Time: msg.Timestamp, Subject: msg.Subject, ID: msg.MessageID, Data: string(msg.Data)}
		switch format {
		case output.FormatJSON:
			return output.JSON(entry)
		case output.FormatYAML:
			fmt.Println("---")
			return output.YAML(entry)
		default:
			fmt.Printf("%s  %s  %s\n", formatTime(&entry.Time), entry.Subject, shorten(entry.Data, 120))
			return nil
		}
	})
}

func init() {
	rootCmd.AddCommand(deadLettersCmd)
	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersWatchCmd)
	runsCmd.AddCommand(runsWatchCmd)

	deadLettersListCmd.Flags().Int("limit", 50, "maximum dead letters to list")
	deadLettersWatchCmd.Flags().Uint64("last", 10, "replay this many stored messages first")
	runsWatchCmd.Flags().Uint64("last", 10, "replay this many stored messages first")
}
