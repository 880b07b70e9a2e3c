// Package store persists evaluations and their dimension rows, and keeps the
// import ledger. All writes for one source file happen in one transaction;
// the unique source_file constraint on evaluations is the at-most-once
// import guarantee.
package store

import (
	"context"
	"errors"

	"github.com/teleperf/phoneqa/internal/model"
)

// ErrDuplicateImport is returned by ImportReport when the source file's
// evaluation already exists. Callers treat it as a benign replay: the data is
// committed, only the filename mark is missing.
var ErrDuplicateImport = errors.New("store: source file already imported")

// ImportInput is the full write set for one source file.
type ImportInput struct {
	// Agent is inserted if its extension is unknown; an existing row is
	// left untouched (roster maintenance owns updates).
	Agent model.Agent

	// Report supplies the evaluation and its score lines.
	Report *model.Report

	// ResolvedCriteria maps criterion names to IDs the caller already
	// knows. Names missing from the map are created (or resolved) inside
	// the transaction via atomic upsert.
	ResolvedCriteria map[string]int64
}

// ImportResult reports what the transaction committed.
type ImportResult struct {
	EvaluationID int64
	ScoreCount   int
	// CriterionIDs is the complete name->ID mapping used, including rows
	// created by this transaction. Callers feed it back into their cache.
	CriterionIDs map[string]int64
}

// LedgerFilter selects ledger entries.
type LedgerFilter struct {
	Outcome model.LedgerOutcome // "" = any
	// CommittedUnmarked selects crash-window entries: committed_at set,
	// marked_at null.
	CommittedUnmarked bool
	Limit             int
}

// Store is the persistence interface for the importer.
type Store interface {
	// ImportReport executes the per-file transaction: agent upsert,
	// criterion resolve-or-create, evaluation insert, score inserts.
	// Returns ErrDuplicateImport when the file was already imported; any
	// other error means the store is unchanged for this file.
	ImportReport(ctx context.Context, in ImportInput) (*ImportResult, error)

	// UpsertRoster bulk-upserts rostered agents, updating names and
	// contact details in place.
	UpsertRoster(ctx context.Context, agents []model.Agent) (int64, error)

	// Ledger operations. Attempt upserts the entry; Committed and Marked
	// stamp their respective timestamps (Committed preserves an earlier
	// stamp on replay).
	LedgerAttempt(ctx context.Context, path, contentHash string) error
	LedgerCommitted(ctx context.Context, path string) error
	LedgerMarked(ctx context.Context, path string, outcome model.LedgerOutcome, reason string) error
	LedgerList(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error)

	// ListEvaluations returns an agent's imported evaluations, newest
	// first. An empty extension returns evaluations for all agents.
	ListEvaluations(ctx context.Context, agentExtension string, limit int) ([]model.Evaluation, error)

	// ListCriteria returns every criterion row, ordered by name.
	ListCriteria(ctx context.Context) ([]model.Criterion, error)

	// ListScores returns the score lines of one evaluation.
	ListScores(ctx context.Context, evaluationID int64) ([]model.EvaluationScore, error)

	// Run summaries.
	RecordRun(ctx context.Context, sum *model.RunSummary) error
	ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
