package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teleperf/phoneqa/internal/roster"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Load the agent roster into the store",
	Long:  "Reads the extension list (tab-separated ExtList.data or an .xlsx export) and upserts every rostered agent, updating names and contact details in place.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if path, _ := cmd.Flags().GetString("file"); path != "" {
			cfg.Roster.Path = path
		}
		if err := cfg.Validate("roster"); err != nil {
			return err
		}

		agents, err := roster.Load(cfg.Roster.Path)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.UpsertRoster(ctx, agents)
		if err != nil {
			return err
		}
		zap.L().Info("roster synced",
			zap.String("path", cfg.Roster.Path),
			zap.Int64("agents", n),
		)
		return nil
	},
}

func init() {
	rosterCmd.Flags().String("file", "", "roster file path (default from config)")
	rootCmd.AddCommand(rosterCmd)
}
