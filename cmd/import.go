package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teleperf/phoneqa/internal/batch"
	"github.com/teleperf/phoneqa/internal/importer"
	"github.com/teleperf/phoneqa/internal/model"
	"github.com/teleperf/phoneqa/internal/report"
	"github.com/teleperf/phoneqa/internal/roster"
)

var importCmd = &cobra.Command{
	Use:   "import [batch-root]",
	Short: "Import every unprocessed report under a batch directory",
	Long:  "Walks the batch directory, validates each report, commits it to the store, and renames the file to record the outcome. Already-marked files are skipped.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("import"); err != nil {
			return err
		}

		root := cfg.Import.BatchRoot
		if len(args) == 1 {
			root = args[0]
		}
		if parent, _ := cmd.Flags().GetString("root"); parent != "" {
			found, err := batch.LatestBatch(parent)
			if err != nil {
				return err
			}
			root = found
		}
		if root == "" {
			return eris.New("no batch root: pass one as an argument or set import.batch_root")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var agents map[string]model.Agent
		if cfg.Roster.Path != "" {
			loaded, err := roster.Load(cfg.Roster.Path)
			if err != nil {
				return err
			}
			agents = roster.ByExtension(loaded)
			zap.L().Info("roster loaded", zap.String("path", cfg.Roster.Path), zap.Int("agents", len(agents)))
		}

		concurrency := cfg.Import.Concurrency
		if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
			concurrency = n
		}

		runner := &importer.Runner{
			Store: st,
			Discoverer: batch.Discoverer{
				StoredPrefix:     cfg.Import.StoredPrefix,
				QuarantinePrefix: cfg.Import.QuarantinePrefix,
				Suffix:           ".json",
			},
			Marker: batch.Marker{
				StoredPrefix:     cfg.Import.StoredPrefix,
				QuarantinePrefix: cfg.Import.QuarantinePrefix,
			},
			Resolver: importer.NewResolver(agents),
			ParseOpts: report.Options{
				MaxOverall:       cfg.Import.MaxOverallScore,
				MaxCriterion:     cfg.Import.MaxCriterionScore,
				StrictDuplicates: cfg.Import.StrictDuplicates,
			},
			Retry:       cfg.Import.Retry.Resilience(),
			Concurrency: concurrency,
			RatePerSec:  cfg.Import.RatePerSec,
		}

		sum, runErr := runner.Run(ctx, root)
		if sum != nil {
			formatRunSummary(os.Stdout, sum)
		}
		return runErr
	},
}

func init() {
	importCmd.Flags().String("root", "", "parent directory; the newest 'Week of YYYY-MM-DD' batch under it is imported")
	importCmd.Flags().Int("concurrency", 0, "worker count (default from config)")
	rootCmd.AddCommand(importCmd)
}

// formatRunSummary writes the run outcome as a small table, listing any file
// that did not end up stored.
func formatRunSummary(out io.Writer, sum *model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", sum.ID)
	_, _ = fmt.Fprintf(w, "Imported:\t%d\n", sum.Imported)
	_, _ = fmt.Fprintf(w, "Quarantined:\t%d\n", sum.Quarantined)
	_, _ = fmt.Fprintf(w, "Duplicates:\t%d\n", sum.Duplicates)
	_, _ = fmt.Fprintf(w, "Retried:\t%d\n", sum.Retried)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	_ = w.Flush()

	for _, o := range sum.Outcomes {
		if o.State == model.FileStored || o.Duplicate {
			continue
		}
		_, _ = fmt.Fprintf(out, "  %s: %s (%s)\n", o.State, o.Path, o.Reason)
	}
}
