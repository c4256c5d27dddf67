package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/config"
)

var (
	configPath string
	debug      bool

	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "satengine",
	Short:         "Sat economy engine: ledger, trust, discovery, settlement and moderation",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(debug)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SATENGINE_CONFIG"), "path to a TOML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(subsidizeCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(challengeCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(eventsCmd)
}
