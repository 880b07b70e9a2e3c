package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teleperf/phoneqa/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "phoneqa",
	Short: "Call-evaluation report importer",
	Long:  "Discovers weekly call-evaluation report files, validates them, and commits them exactly once into the QA database, quarantining anything malformed.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
