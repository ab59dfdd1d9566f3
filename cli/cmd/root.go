package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kada-mandiya/analytics/cli/pkg/output"
	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kmctl",
	Short: "Kada Mandiya analytics CLI",
	Long: `kmctl operates the Kada Mandiya analytics warehouse.

Provision the warehouse schema, run the bronze to gold pipeline, inspect
run history and dead letters, and publish sample UI events to the broker.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		if _, err := output.ParseFormat(format); err != nil {
			return err
		}
		return initConfig()
	},
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or $ANALYTICS_* env)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json, yaml")
}

func initConfig() error {
	if cfg != nil {
		return nil
	}
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = loaded
	return nil
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	format, _ := output.ParseFormat(f)
	return format
}

// cliLogger logs to stderr so structured output on stdout stays parseable.
func cliLogger() *logging.Logger {
	level := logging.ParseLevel("warn")
	if os.Getenv("KMCTL_DEBUG") != "" {
		level = logging.ParseLevel(cfg.Logging.Level)
	}
	return logging.NewWithWriter(os.Stderr, level, "text").With(logging.Service("kmctl"))
}

func connectWarehouse(ctx context.Context) (*database.Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	return db, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
