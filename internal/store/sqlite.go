package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/teleperf/phoneqa/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for single-operator deployments where the importer and the store
// live on the same machine.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path, configures WAL mode
// and enables foreign key enforcement.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS agents (
	extension TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	email     TEXT,
	rostered  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS criteria (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL DEFAULT 'general',
	weight   REAL NOT NULL DEFAULT 1.0
);

CREATE TABLE IF NOT EXISTS evaluations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_extension TEXT NOT NULL REFERENCES agents(extension),
	occurred_at     DATETIME NOT NULL,
	overall_score   REAL NOT NULL,
	source_file     TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS evaluation_scores (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	evaluation_id INTEGER NOT NULL REFERENCES evaluations(id),
	criterion_id  INTEGER NOT NULL REFERENCES criteria(id),
	score         REAL NOT NULL,
	comment       TEXT
);

CREATE TABLE IF NOT EXISTS import_ledger (
	path         TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	attempted_at DATETIME NOT NULL,
	committed_at DATETIME,
	marked_at    DATETIME,
	outcome      TEXT,
	reason       TEXT
);

CREATE TABLE IF NOT EXISTS import_runs (
	id          TEXT PRIMARY KEY,
	batch_root  TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	imported    INTEGER NOT NULL,
	quarantined INTEGER NOT NULL,
	retried     INTEGER NOT NULL,
	duplicates  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_agent ON evaluations(agent_extension);
CREATE INDEX IF NOT EXISTS idx_scores_evaluation ON evaluation_scores(evaluation_id);
CREATE INDEX IF NOT EXISTS idx_ledger_outcome ON import_ledger(outcome);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ImportReport runs the whole write set for one file in a single transaction.
func (s *SQLiteStore) ImportReport(ctx context.Context, in ImportInput) (*ImportResult, error) {
	rep := in.Report

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin import tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (extension, name, email, rostered) VALUES (?, ?, ?, ?)
		 ON CONFLICT(extension) DO NOTHING`,
		in.Agent.Extension, in.Agent.Name, sqlNull(in.Agent.Email), in.Agent.Rostered,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert agent %s", in.Agent.Extension)
	}

	ids := make(map[string]int64, len(in.ResolvedCriteria))
	for name, id := range in.ResolvedCriteria {
		ids[name] = id
	}
	for _, name := range rep.CriterionNames() {
		if _, ok := ids[name]; ok {
			continue
		}
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO criteria (name, category, weight) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET name = excluded.name
			 RETURNING id`,
			name, model.DefaultCriterionCategory, model.DefaultCriterionWeight,
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: resolve criterion %q", name)
		}
		ids[name] = id
	}

	var evalID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO evaluations (agent_extension, occurred_at, overall_score, source_file)
		 VALUES (?, ?, ?, ?) RETURNING id`,
		in.Agent.Extension, rep.OccurredAt.UTC(), rep.OverallScore, rep.SourceFile,
	).Scan(&evalID)
	if err != nil {
		if isUniqueViolation(err, "evaluations.source_file") {
			return nil, ErrDuplicateImport
		}
		return nil, eris.Wrapf(err, "sqlite: insert evaluation for %s", rep.SourceFile)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO evaluation_scores (evaluation_id, criterion_id, score, comment) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare score insert")
	}
	defer stmt.Close()
	for _, sc := range rep.Scores {
		if _, err := stmt.ExecContext(ctx, evalID, ids[sc.Criterion], sc.Score, sqlNull(sc.Comment)); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert score %q for %s", sc.Criterion, rep.SourceFile)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit import for %s", rep.SourceFile)
	}

	return &ImportResult{EvaluationID: evalID, ScoreCount: len(rep.Scores), CriterionIDs: ids}, nil
}

func (s *SQLiteStore) UpsertRoster(ctx context.Context, agents []model.Agent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin roster tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO agents (extension, name, email, rostered) VALUES (?, ?, ?, ?)
		 ON CONFLICT(extension) DO UPDATE SET name = excluded.name, email = excluded.email, rostered = excluded.rostered`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare roster upsert")
	}
	defer stmt.Close()

	var n int64
	for _, a := range agents {
		if _, err := stmt.ExecContext(ctx, a.Extension, a.Name, sqlNull(a.Email), a.Rostered); err != nil {
			return 0, eris.Wrapf(err, "sqlite: roster upsert %s", a.Extension)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit roster tx")
	}
	return n, nil
}

func (s *SQLiteStore) LedgerAttempt(ctx context.Context, path, contentHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_ledger (path, content_hash, attempted_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, attempted_at = excluded.attempted_at`,
		path, contentHash, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: ledger attempt %s", path)
}

func (s *SQLiteStore) LedgerCommitted(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_ledger SET committed_at = COALESCE(committed_at, ?) WHERE path = ?`,
		time.Now().UTC(), path,
	)
	return eris.Wrapf(err, "sqlite: ledger committed %s", path)
}

func (s *SQLiteStore) LedgerMarked(ctx context.Context, path string, outcome model.LedgerOutcome, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_ledger SET marked_at = ?, outcome = ?, reason = ? WHERE path = ?`,
		time.Now().UTC(), string(outcome), sqlNull(reason), path,
	)
	return eris.Wrapf(err, "sqlite: ledger marked %s", path)
}

func (s *SQLiteStore) LedgerList(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error) {
	query := `SELECT path, content_hash, attempted_at, committed_at, marked_at, outcome, reason
		FROM import_ledger WHERE 1=1`
	var args []any
	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	if filter.CommittedUnmarked {
		query += ` AND committed_at IS NOT NULL AND marked_at IS NULL`
	}
	query += ` ORDER BY attempted_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: ledger list")
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e         model.LedgerEntry
			committed sql.NullTime
			marked    sql.NullTime
			outcome   sql.NullString
			reason    sql.NullString
		)
		if err := rows.Scan(&e.Path, &e.ContentHash, &e.AttemptedAt, &committed, &marked, &outcome, &reason); err != nil {
			return nil, eris.Wrap(err, "sqlite: ledger scan")
		}
		if committed.Valid {
			t := committed.Time
			e.CommittedAt = &t
		}
		if marked.Valid {
			t := marked.Time
			e.MarkedAt = &t
		}
		e.Outcome = model.LedgerOutcome(outcome.String)
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: ledger iterate")
}

func (s *SQLiteStore) ListEvaluations(ctx context.Context, agentExtension string, limit int) ([]model.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, agent_extension, occurred_at, overall_score, source_file
		FROM evaluations`
	var args []any
	if agentExtension != "" {
		query += ` WHERE agent_extension = ?`
		args = append(args, agentExtension)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evaluations")
	}
	defer rows.Close()

	var evals []model.Evaluation
	for rows.Next() {
		var e model.Evaluation
		if err := rows.Scan(&e.ID, &e.AgentExtension, &e.OccurredAt, &e.OverallScore, &e.SourceFile); err != nil {
			return nil, eris.Wrap(err, "sqlite: evaluation scan")
		}
		evals = append(evals, e)
	}
	return evals, eris.Wrap(rows.Err(), "sqlite: evaluations iterate")
}

func (s *SQLiteStore) ListScores(ctx context.Context, evaluationID int64) ([]model.EvaluationScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, evaluation_id, criterion_id, score, comment
		 FROM evaluation_scores WHERE evaluation_id = ? ORDER BY id`, evaluationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list scores for evaluation %d", evaluationID)
	}
	defer rows.Close()

	var scores []model.EvaluationScore
	for rows.Next() {
		var (
			sc      model.EvaluationScore
			comment sql.NullString
		)
		if err := rows.Scan(&sc.ID, &sc.EvaluationID, &sc.CriterionID, &sc.Score, &comment); err != nil {
			return nil, eris.Wrap(err, "sqlite: score scan")
		}
		sc.Comment = comment.String
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "sqlite: scores iterate")
}

func (s *SQLiteStore) ListCriteria(ctx context.Context) ([]model.Criterion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, weight FROM criteria ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list criteria")
	}
	defer rows.Close()

	var crits []model.Criterion
	for rows.Next() {
		var c model.Criterion
		if err := rows.Scan(&c.ID, &c.Name, &c.Category, &c.Weight); err != nil {
			return nil, eris.Wrap(err, "sqlite: criterion scan")
		}
		crits = append(crits, c)
	}
	return crits, eris.Wrap(rows.Err(), "sqlite: criteria iterate")
}

func (s *SQLiteStore) RecordRun(ctx context.Context, sum *model.RunSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_runs (id, batch_root, started_at, finished_at, imported, quarantined, retried, duplicates)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.BatchRoot, sum.StartedAt.UTC(), sum.FinishedAt.UTC(),
		sum.Imported, sum.Quarantined, sum.Retried, sum.Duplicates,
	)
	return eris.Wrapf(err, "sqlite: record run %s", sum.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_root, started_at, finished_at, imported, quarantined, retried, duplicates
		 FROM import_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var r model.RunSummary
		if err := rows.Scan(&r.ID, &r.BatchRoot, &r.StartedAt, &r.FinishedAt,
			&r.Imported, &r.Quarantined, &r.Retried, &r.Duplicates); err != nil {
			return nil, eris.Wrap(err, "sqlite: run scan")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: runs iterate")
}

// isUniqueViolation matches a unique-constraint error on the named column by
// result code, so detection does not depend on the driver's message wording.
func isUniqueViolation(err error, column string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE && strings.Contains(se.Error(), column)
}

func sqlNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
