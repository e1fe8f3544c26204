// Package cli implements the flowsink command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "flowsink",
	Short: "Kafka to ClickHouse micro-batch pipeline",
	Long: `flowsink consumes traffic-usage events from a Kafka topic, validates them,
and writes them to ClickHouse in micro-batches. Partition cursors advance only
after a batch is durably written, so a restart never loses a message.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return initConfig() },
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/flowsink/config.yaml)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json, yaml")
}

func initConfig() error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = c

	logger = logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("flowsink"))
	logging.SetDefault(logger)

	if cfgFile != "" {
		logger.Debug("Loaded configuration", slog.String("config_path", cfgFile))
	}
	return nil
}
