package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teleperf/phoneqa/internal/model"
	"github.com/teleperf/phoneqa/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect import history and the file ledger",
}

// -- status runs --

var statusRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent import runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
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

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "status runs")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs recorded.")
			return nil
		}

		format, _ := cmd.Flags().GetString("format")
		return renderRuns(os.Stdout, format, runs)
	},
}

// -- status ledger --

var statusLedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List ledger entries",
	Long:  "Lists the per-file processing ledger. --stuck shows the crash window: files whose data is committed but whose rename never happened.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
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

		outcome, _ := cmd.Flags().GetString("outcome")
		stuck, _ := cmd.Flags().GetBool("stuck")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.LedgerList(ctx, store.LedgerFilter{
			Outcome:           model.LedgerOutcome(outcome),
			CommittedUnmarked: stuck,
			Limit:             limit,
		})
		if err != nil {
			return eris.Wrap(err, "status ledger")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No matching ledger entries.")
			return nil
		}

		format, _ := cmd.Flags().GetString("format")
		return renderLedger(os.Stdout, format, entries)
	},
}

func init() {
	statusCmd.PersistentFlags().String("format", "table", "output format (table, json, yaml)")
	statusCmd.PersistentFlags().Int("limit", 50, "max entries to display")

	statusLedgerCmd.Flags().String("outcome", "", "filter by outcome (stored, quarantined)")
	statusLedgerCmd.Flags().Bool("stuck", false, "show only committed-but-unmarked files")

	statusCmd.AddCommand(statusRunsCmd)
	statusCmd.AddCommand(statusLedgerCmd)
	rootCmd.AddCommand(statusCmd)
}

func renderRuns(out io.Writer, format string, runs []model.RunSummary) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "yaml":
		return yaml.NewEncoder(out).Encode(runs)
	case "table":
		formatRunsTable(out, runs)
		return nil
	}
	return eris.Errorf("unknown format %q", format)
}

func renderLedger(out io.Writer, format string, entries []model.LedgerEntry) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		return yaml.NewEncoder(out).Encode(entries)
	case "table":
		formatLedgerTable(out, entries)
		return nil
	}
	return eris.Errorf("unknown format %q", format)
}

// formatRunsTable writes a tabular list of runs to out.
func formatRunsTable(out io.Writer, runs []model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tBATCH\tSTARTED\tIMPORTED\tQUARANTINED\tDUP\tDURATION")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(r.ID),
			r.BatchRoot,
			r.StartedAt.Format("2006-01-02 15:04"),
			r.Imported,
			r.Quarantined,
			r.Duplicates,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
		)
	}
	_ = w.Flush()
}

// formatLedgerTable writes a tabular list of ledger entries to out.
func formatLedgerTable(out io.Writer, entries []model.LedgerEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATH\tOUTCOME\tATTEMPTED\tCOMMITTED\tMARKED\tREASON")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Path,
			e.Outcome,
			e.AttemptedAt.Format("2006-01-02 15:04"),
			formatStamp(e.CommittedAt),
			formatStamp(e.MarkedAt),
			e.Reason,
		)
	}
	_ = w.Flush()
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
