package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/teleperf/phoneqa/internal/db"
	"github.com/teleperf/phoneqa/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns           int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns           int32 `yaml:"min_conns" mapstructure:"min_conns"`
	StatementTimeoutMs int   `yaml:"statement_timeout_ms" mapstructure:"statement_timeout_ms"`
}

// NewPostgres creates a PostgresStore with a connection pool. A server-side
// statement timeout is always set so no import can block indefinitely on a
// wedged backend.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	stmtTimeout := 30_000
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.StatementTimeoutMs > 0 {
			stmtTimeout = poolCfg.StatementTimeoutMs
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.ConnConfig.ConnectTimeout = 10 * time.Second
	pgxCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(stmtTimeout)

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS agents (
	extension TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	email     TEXT,
	rostered  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS criteria (
	id       BIGSERIAL PRIMARY KEY,
	name     TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL DEFAULT 'general',
	weight   DOUBLE PRECISION NOT NULL DEFAULT 1.0
);

CREATE TABLE IF NOT EXISTS evaluations (
	id              BIGSERIAL PRIMARY KEY,
	agent_extension TEXT NOT NULL REFERENCES agents(extension),
	occurred_at     TIMESTAMPTZ NOT NULL,
	overall_score   DOUBLE PRECISION NOT NULL,
	source_file     TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS evaluation_scores (
	id            BIGSERIAL PRIMARY KEY,
	evaluation_id BIGINT NOT NULL REFERENCES evaluations(id),
	criterion_id  BIGINT NOT NULL REFERENCES criteria(id),
	score         DOUBLE PRECISION NOT NULL,
	comment       TEXT
);

CREATE TABLE IF NOT EXISTS import_ledger (
	path         TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	attempted_at TIMESTAMPTZ NOT NULL,
	committed_at TIMESTAMPTZ,
	marked_at    TIMESTAMPTZ,
	outcome      TEXT,
	reason       TEXT
);

CREATE TABLE IF NOT EXISTS import_runs (
	id          TEXT PRIMARY KEY,
	batch_root  TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	imported    INT NOT NULL,
	quarantined INT NOT NULL,
	retried     INT NOT NULL,
	duplicates  INT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_agent ON evaluations(agent_extension);
CREATE INDEX IF NOT EXISTS idx_scores_evaluation ON evaluation_scores(evaluation_id);
CREATE INDEX IF NOT EXISTS idx_ledger_outcome ON import_ledger(outcome);
CREATE INDEX IF NOT EXISTS idx_runs_started ON import_runs(started_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// isSourceFileConflict detects the unique violation on evaluations.source_file.
func isSourceFileConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "source_file")
}

// ImportReport runs the whole write set for one file in a single transaction.
func (s *PostgresStore) ImportReport(ctx context.Context, in ImportInput) (*ImportResult, error) {
	rep := in.Report

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin import tx")
	}
	defer tx.Rollback(ctx)

	// Agent: insert-if-absent. An existing row is never modified here.
	_, err = tx.Exec(ctx,
		`INSERT INTO agents (extension, name, email, rostered) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (extension) DO NOTHING`,
		in.Agent.Extension, in.Agent.Name, nullIfEmpty(in.Agent.Email), in.Agent.Rostered,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert agent %s", in.Agent.Extension)
	}

	// Criteria: resolve-or-create. The DO UPDATE no-op makes RETURNING
	// yield the id on conflict too, so two concurrent first-sights of the
	// same name converge on one row.
	ids := make(map[string]int64, len(in.ResolvedCriteria))
	for name, id := range in.ResolvedCriteria {
		ids[name] = id
	}
	for _, name := range rep.CriterionNames() {
		if _, ok := ids[name]; ok {
			continue
		}
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO criteria (name, category, weight) VALUES ($1, $2, $3)
			 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			 RETURNING id`,
			name, model.DefaultCriterionCategory, model.DefaultCriterionWeight,
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: resolve criterion %q", name)
		}
		ids[name] = id
	}

	// Evaluation: the unique source_file constraint turns a replay into
	// ErrDuplicateImport instead of a second import.
	var evalID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO evaluations (agent_extension, occurred_at, overall_score, source_file)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		in.Agent.Extension, rep.OccurredAt.UTC(), rep.OverallScore, rep.SourceFile,
	).Scan(&evalID)
	if err != nil {
		if isSourceFileConflict(err) {
			return nil, ErrDuplicateImport
		}
		return nil, eris.Wrapf(err, "postgres: insert evaluation for %s", rep.SourceFile)
	}

	rows := make([][]any, 0, len(rep.Scores))
	for _, sc := range rep.Scores {
		rows = append(rows, []any{evalID, ids[sc.Criterion], sc.Score, nullIfEmpty(sc.Comment)})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"evaluation_scores"},
		[]string{"evaluation_id", "criterion_id", "score", "comment"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert scores for %s", rep.SourceFile)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrapf(err, "postgres: commit import for %s", rep.SourceFile)
	}

	return &ImportResult{EvaluationID: evalID, ScoreCount: len(rows), CriterionIDs: ids}, nil
}

// UpsertRoster bulk-loads the agent roster via the shared upsert helper.
func (s *PostgresStore) UpsertRoster(ctx context.Context, agents []model.Agent) (int64, error) {
	rows := make([][]any, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, []any{a.Extension, a.Name, nullIfEmpty(a.Email), a.Rostered})
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "agents",
		Columns:      []string{"extension", "name", "email", "rostered"},
		ConflictKeys: []string{"extension"},
	}, rows)
}

func (s *PostgresStore) LedgerAttempt(ctx context.Context, path, contentHash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_ledger (path, content_hash, attempted_at) VALUES ($1, $2, now())
		 ON CONFLICT (path) DO UPDATE SET content_hash = EXCLUDED.content_hash, attempted_at = now()`,
		path, contentHash,
	)
	return eris.Wrapf(err, "postgres: ledger attempt %s", path)
}

func (s *PostgresStore) LedgerCommitted(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE import_ledger SET committed_at = COALESCE(committed_at, now()) WHERE path = $1`,
		path,
	)
	return eris.Wrapf(err, "postgres: ledger committed %s", path)
}

func (s *PostgresStore) LedgerMarked(ctx context.Context, path string, outcome model.LedgerOutcome, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE import_ledger SET marked_at = now(), outcome = $2, reason = $3 WHERE path = $1`,
		path, string(outcome), nullIfEmpty(reason),
	)
	return eris.Wrapf(err, "postgres: ledger marked %s", path)
}

func (s *PostgresStore) LedgerList(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error) {
	query := `SELECT path, content_hash, attempted_at, committed_at, marked_at, outcome, reason
		FROM import_ledger WHERE 1=1`
	var args []any
	n := 0
	if filter.Outcome != "" {
		n++
		query += ` AND outcome = $` + strconv.Itoa(n)
		args = append(args, string(filter.Outcome))
	}
	if filter.CommittedUnmarked {
		query += ` AND committed_at IS NOT NULL AND marked_at IS NULL`
	}
	query += ` ORDER BY attempted_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += ` LIMIT $` + strconv.Itoa(n)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: ledger list")
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e       model.LedgerEntry
			outcome *string
			reason  *string
		)
		if err := rows.Scan(&e.Path, &e.ContentHash, &e.AttemptedAt, &e.CommittedAt, &e.MarkedAt, &outcome, &reason); err != nil {
			return nil, eris.Wrap(err, "postgres: ledger scan")
		}
		if outcome != nil {
			e.Outcome = model.LedgerOutcome(*outcome)
		}
		if reason != nil {
			e.Reason = *reason
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: ledger iterate")
}

func (s *PostgresStore) ListEvaluations(ctx context.Context, agentExtension string, limit int) ([]model.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, agent_extension, occurred_at, overall_score, source_file
		FROM evaluations`
	args := []any{limit}
	if agentExtension != "" {
		query += ` WHERE agent_extension = $2`
		args = append(args, agentExtension)
	}
	query += ` ORDER BY occurred_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evaluations")
	}
	defer rows.Close()

	var evals []model.Evaluation
	for rows.Next() {
		var e model.Evaluation
		if err := rows.Scan(&e.ID, &e.AgentExtension, &e.OccurredAt, &e.OverallScore, &e.SourceFile); err != nil {
			return nil, eris.Wrap(err, "postgres: evaluation scan")
		}
		evals = append(evals, e)
	}
	return evals, eris.Wrap(rows.Err(), "postgres: evaluations iterate")
}

func (s *PostgresStore) ListScores(ctx context.Context, evaluationID int64) ([]model.EvaluationScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, evaluation_id, criterion_id, score, comment
		 FROM evaluation_scores WHERE evaluation_id = $1 ORDER BY id`, evaluationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list scores for evaluation %d", evaluationID)
	}
	defer rows.Close()

	var scores []model.EvaluationScore
	for rows.Next() {
		var (
			sc      model.EvaluationScore
			comment *string
		)
		if err := rows.Scan(&sc.ID, &sc.EvaluationID, &sc.CriterionID, &sc.Score, &comment); err != nil {
			return nil, eris.Wrap(err, "postgres: score scan")
		}
		if comment != nil {
			sc.Comment = *comment
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "postgres: scores iterate")
}

func (s *PostgresStore) ListCriteria(ctx context.Context) ([]model.Criterion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, category, weight FROM criteria ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list criteria")
	}
	defer rows.Close()

	var crits []model.Criterion
	for rows.Next() {
		var c model.Criterion
		if err := rows.Scan(&c.ID, &c.Name, &c.Category, &c.Weight); err != nil {
			return nil, eris.Wrap(err, "postgres: criterion scan")
		}
		crits = append(crits, c)
	}
	return crits, eris.Wrap(rows.Err(), "postgres: criteria iterate")
}

func (s *PostgresStore) RecordRun(ctx context.Context, sum *model.RunSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_runs (id, batch_root, started_at, finished_at, imported, quarantined, retried, duplicates)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sum.ID, sum.BatchRoot, sum.StartedAt.UTC(), sum.FinishedAt.UTC(),
		sum.Imported, sum.Quarantined, sum.Retried, sum.Duplicates,
	)
	return eris.Wrapf(err, "postgres: record run %s", sum.ID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_root, started_at, finished_at, imported, quarantined, retried, duplicates
		 FROM import_runs ORDER BY started_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var r model.RunSummary
		if err := rows.Scan(&r.ID, &r.BatchRoot, &r.StartedAt, &r.FinishedAt,
			&r.Imported, &r.Quarantined, &r.Retried, &r.Duplicates); err != nil {
			return nil, eris.Wrap(err, "postgres: run scan")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: runs iterate")
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
