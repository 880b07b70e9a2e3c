package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleperf/phoneqa/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgres_ImportReport(t *testing.T) {
	s, mock := newMockStore(t)
	in := testInput("eval-001.json")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agents").
		WithArgs("9999", "Agent 9999", (*string)(nil), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO criteria").
		WithArgs("Greeting", model.DefaultCriterionCategory, model.DefaultCriterionWeight).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("INSERT INTO criteria").
		WithArgs("Resolution", model.DefaultCriterionCategory, model.DefaultCriterionWeight).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectQuery("INSERT INTO evaluations").
		WithArgs("9999", pgxmock.AnyArg(), 87.0, "eval-001.json").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectCopyFrom(pgx.Identifier{"evaluation_scores"},
		[]string{"evaluation_id", "criterion_id", "score", "comment"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	res, err := s.ImportReport(context.Background(), in)
	require.NoError(t, err)
	assert.EqualValues(t, 77, res.EvaluationID)
	assert.Equal(t, 2, res.ScoreCount)
	assert.Equal(t, map[string]int64{"Greeting": 1, "Resolution": 2}, res.CriterionIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ImportReport_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)
	in := testInput("eval-dup.json")
	in.ResolvedCriteria = map[string]int64{"Greeting": 1, "Resolution": 2}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agents").
		WithArgs("9999", "Agent 9999", (*string)(nil), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO evaluations").
		WithArgs("9999", pgxmock.AnyArg(), 87.0, "eval-dup.json").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "evaluations_source_file_key"})
	mock.ExpectRollback()

	_, err := s.ImportReport(context.Background(), in)
	require.ErrorIs(t, err, ErrDuplicateImport)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ImportReport_ResolvedCriteriaSkipLookups(t *testing.T) {
	s, mock := newMockStore(t)
	in := testInput("eval-cached.json")
	in.ResolvedCriteria = map[string]int64{"Greeting": 5, "Resolution": 6}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agents").
		WithArgs("9999", "Agent 9999", (*string)(nil), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// No criteria statements: the cache supplied every id.
	mock.ExpectQuery("INSERT INTO evaluations").
		WithArgs("9999", pgxmock.AnyArg(), 87.0, "eval-cached.json").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(78)))
	mock.ExpectCopyFrom(pgx.Identifier{"evaluation_scores"},
		[]string{"evaluation_id", "criterion_id", "score", "comment"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	_, err := s.ImportReport(context.Background(), in)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ImportReport_RollbackOnCopyFailure(t *testing.T) {
	s, mock := newMockStore(t)
	in := testInput("eval-copyfail.json")
	in.ResolvedCriteria = map[string]int64{"Greeting": 1, "Resolution": 2}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agents").
		WithArgs("9999", "Agent 9999", (*string)(nil), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO evaluations").
		WithArgs("9999", pgxmock.AnyArg(), 87.0, "eval-copyfail.json").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(79)))
	mock.ExpectCopyFrom(pgx.Identifier{"evaluation_scores"},
		[]string{"evaluation_id", "criterion_id", "score", "comment"}).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	_, err := s.ImportReport(context.Background(), in)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDuplicateImport)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LedgerAttempt(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO import_ledger").
		WithArgs("/batch/eval-001.json", "abc123").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.LedgerAttempt(context.Background(), "/batch/eval-001.json", "abc123"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LedgerCommittedAndMarked(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE import_ledger SET committed_at").
		WithArgs("/batch/eval-001.json").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE import_ledger SET marked_at").
		WithArgs("/batch/eval-001.json", "stored", (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, s.LedgerCommitted(ctx, "/batch/eval-001.json"))
	require.NoError(t, s.LedgerMarked(ctx, "/batch/eval-001.json", model.LedgerStored, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LedgerList_CrashWindow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM import_ledger WHERE 1=1 AND committed_at IS NOT NULL AND marked_at IS NULL").
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows(
			[]string{"path", "content_hash", "attempted_at", "committed_at", "marked_at", "outcome", "reason"},
		))

	entries, err := s.LedgerList(context.Background(), LedgerFilter{CommittedUnmarked: true})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListScores(t *testing.T) {
	s, mock := newMockStore(t)

	comment := "warm open"
	mock.ExpectQuery("FROM evaluation_scores WHERE evaluation_id").
		WithArgs(int64(77)).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "evaluation_id", "criterion_id", "score", "comment"},
		).AddRow(int64(1), int64(77), int64(1), 5.0, &comment).
			AddRow(int64(2), int64(77), int64(2), 4.0, (*string)(nil)))

	scores, err := s.ListScores(context.Background(), 77)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "warm open", scores[0].Comment)
	assert.Empty(t, scores[1].Comment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordRun(t *testing.T) {
	s, mock := newMockStore(t)

	sum := &model.RunSummary{ID: "run-1", BatchRoot: "/batches/Week of 2026-08-24", Imported: 3}
	mock.ExpectExec("INSERT INTO import_runs").
		WithArgs(sum.ID, sum.BatchRoot, pgxmock.AnyArg(), pgxmock.AnyArg(), 3, 0, 0, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.RecordRun(context.Background(), sum))
	assert.NoError(t, mock.ExpectationsWereMet())
}

var _ Store = (*PostgresStore)(nil)
