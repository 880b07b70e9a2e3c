package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleperf/phoneqa/internal/batch"
	"github.com/teleperf/phoneqa/internal/model"
	"github.com/teleperf/phoneqa/internal/resilience"
	"github.com/teleperf/phoneqa/internal/store"
)

const goodReport = `{
	"agent": "9999",
	"occurred_at": "2026-08-24T10:30:00Z",
	"overall_score": 87,
	"scores": [
		{"criterion": "Greeting", "score": 5, "comment": "warm open"},
		{"criterion": "Resolution", "score": 4}
	]
}`

func newTestRunner(t *testing.T, roster map[string]model.Agent) (*Runner, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "phoneqa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	return &Runner{
		Store:      s,
		Discoverer: batch.NewDiscoverer(),
		Marker:     batch.NewMarker(),
		Resolver:   NewResolver(roster),
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}, s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRun_ImportsAndMarks(t *testing.T) {
	r, s := newTestRunner(t, nil)
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	writeFile(t, filepath.Join(root, "9999", "eval-001.json"), goodReport)

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Imported)
	assert.Zero(t, sum.Quarantined)
	assert.Zero(t, sum.Duplicates)

	_, err = os.Stat(filepath.Join(root, "9999", "Stored-eval-001.json"))
	assert.NoError(t, err, "file must carry the stored marker")

	entries, err := s.LedgerList(context.Background(), store.LedgerFilter{Outcome: model.LedgerStored})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Week of 2026-08-24/9999/eval-001.json", entries[0].Path)
	assert.NotNil(t, entries[0].CommittedAt)
	assert.NotNil(t, entries[0].MarkedAt)
}

func TestRun_QuarantinesMalformed(t *testing.T) {
	r, s := newTestRunner(t, nil)
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	writeFile(t, filepath.Join(root, "9999", "eval-bad.json"), `{"overall_score": "N/A"}`)

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Zero(t, sum.Imported)
	assert.Equal(t, 1, sum.Quarantined)

	_, statErr := os.Stat(filepath.Join(root, "9999", "BadData-eval-bad.json"))
	assert.NoError(t, statErr, "file must carry the quarantine marker")

	entries, err := s.LedgerList(context.Background(), store.LedgerFilter{Outcome: model.LedgerQuarantined})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Reason, "invalid overall score")
	assert.Nil(t, entries[0].CommittedAt, "quarantined files never reach the store")
}

func TestRun_SkipsMarkedFiles(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	writeFile(t, filepath.Join(root, "9999", "Stored-eval-001.json"), goodReport)
	writeFile(t, filepath.Join(root, "9999", "BadData-eval-002.json"), `nonsense`)

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Zero(t, sum.Imported)
	assert.Zero(t, sum.Quarantined)
	assert.Empty(t, sum.Outcomes)
}

func TestRun_DuplicateReplayClosesCrashWindow(t *testing.T) {
	r, s := newTestRunner(t, nil)
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	path := filepath.Join(root, "9999", "eval-001.json")
	writeFile(t, path, goodReport)

	_, err := r.Run(context.Background(), root)
	require.NoError(t, err)

	// Simulate a crash between commit and rename: restore the original name.
	stored := filepath.Join(root, "9999", "Stored-eval-001.json")
	require.NoError(t, os.Rename(stored, path))

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Zero(t, sum.Imported)
	assert.Equal(t, 1, sum.Duplicates)

	_, statErr := os.Stat(stored)
	assert.NoError(t, statErr, "replay must re-mark the file")

	window, err := s.LedgerList(context.Background(), store.LedgerFilter{CommittedUnmarked: true})
	require.NoError(t, err)
	assert.Empty(t, window, "replay must close the crash window")
}

func TestRun_AgentFromPathFallback(t *testing.T) {
	r, s := newTestRunner(t, nil)
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	writeFile(t, filepath.Join(root, "4242", "eval-noagent.json"),
		`{"overall_score": 90, "scores": [{"criterion": "Greeting", "score": 5}]}`)

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Imported)

	runs, err := s.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Imported, "run summary must be recorded")
}

func TestRun_RosteredAgentKeepsRosterName(t *testing.T) {
	roster := map[string]model.Agent{
		"9999": {Extension: "9999", Name: "Dana Smith", Email: "dana@example.com"},
	}
	r, _ := newTestRunner(t, roster)

	agent := r.Resolver.Agent("9999")
	assert.Equal(t, "Dana Smith", agent.Name)
	assert.True(t, agent.Rostered)

	placeholder := r.Resolver.Agent("1234")
	assert.Equal(t, "Agent 1234", placeholder.Name)
	assert.False(t, placeholder.Rostered)

	generated := r.Resolver.Agent("")
	assert.NotEmpty(t, generated.Extension)
	assert.NotEqual(t, r.Resolver.Agent("").Extension, generated.Extension,
		"unkeyable files must never share an agent row")
}

// flakyStore fails the first N import commits with a transient error.
type flakyStore struct {
	store.Store
	failures int
	calls    int
}

func (f *flakyStore) ImportReport(ctx context.Context, in store.ImportInput) (*store.ImportResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, resilience.NewTransientError(errors.New("connection reset by peer"))
	}
	return f.Store.ImportReport(ctx, in)
}

func TestRun_TransientFailureRetriedThenImported(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	r.Store = &flakyStore{Store: r.Store, failures: 1}
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	writeFile(t, filepath.Join(root, "9999", "eval-001.json"), goodReport)

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Imported)
	assert.Equal(t, 1, sum.Retried)
}

func TestRun_ExhaustedRetriesQuarantine(t *testing.T) {
	r, s := newTestRunner(t, nil)
	r.Store = &flakyStore{Store: r.Store, failures: 100}
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	writeFile(t, filepath.Join(root, "9999", "eval-001.json"), goodReport)

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Zero(t, sum.Imported)
	assert.Equal(t, 1, sum.Quarantined)

	require.Len(t, sum.Outcomes, 1)
	out := sum.Outcomes[0]
	assert.Equal(t, model.FileQuarantined, out.State)
	assert.Equal(t, model.StageCommitting, out.Stage)
	assert.True(t, out.Transient)
	assert.Contains(t, out.Reason, "transient:", "reason must carry the classification")

	_, statErr := os.Stat(filepath.Join(root, "9999", "BadData-eval-001.json"))
	assert.NoError(t, statErr)

	entries, lerr := s.LedgerList(context.Background(), store.LedgerFilter{Outcome: model.LedgerQuarantined})
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].CommittedAt, "no data may persist for a quarantined file")
}

// cancellingStore cancels the run mid-commit, the way a SIGINT lands while a
// transaction is in flight.
type cancellingStore struct {
	store.Store
	cancel context.CancelFunc
}

func (c *cancellingStore) ImportReport(ctx context.Context, in store.ImportInput) (*store.ImportResult, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestRun_CancellationLeavesFileUnmarked(t *testing.T) {
	r, s := newTestRunner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Store = &cancellingStore{Store: r.Store, cancel: cancel}

	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	path := filepath.Join(root, "9999", "eval-001.json")
	writeFile(t, path, goodReport)

	sum, err := r.Run(ctx, root)
	require.Error(t, err)
	assert.Zero(t, sum.Imported)
	assert.Zero(t, sum.Quarantined, "an interrupted commit is not a verdict on the file")

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "the file must keep its original name for the next run")

	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.FileDiscovered, sum.Outcomes[0].State)
	assert.Equal(t, model.StageCommitting, sum.Outcomes[0].Stage)
	assert.True(t, sum.Outcomes[0].Transient)

	entries, lerr := s.LedgerList(context.Background(), store.LedgerFilter{Outcome: model.LedgerQuarantined})
	require.NoError(t, lerr)
	assert.Empty(t, entries, "cancellation must not reach the quarantine ledger")
}

func TestRun_UnreadableFileQuarantined(t *testing.T) {
	r, s := newTestRunner(t, nil)
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "9999"), 0o755))
	// A dangling symlink is discovered but cannot be read.
	link := filepath.Join(root, "9999", "eval-broken.json")
	require.NoError(t, os.Symlink(filepath.Join(root, "9999", "gone.json"), link))

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Zero(t, sum.Imported)
	assert.Equal(t, 1, sum.Quarantined)

	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, model.StageParsing, sum.Outcomes[0].Stage)
	assert.Contains(t, sum.Outcomes[0].Reason, "permanent:", "reason must carry the classification")

	_, lstatErr := os.Lstat(filepath.Join(root, "9999", "BadData-eval-broken.json"))
	assert.NoError(t, lstatErr, "the unreadable file must carry the quarantine marker")

	entries, lerr := s.LedgerList(context.Background(), store.LedgerFilter{Outcome: model.LedgerQuarantined})
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, "Week of 2026-08-24/9999/eval-broken.json", entries[0].Path)
}

func TestRun_MissingRootIsFatal(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	_, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestRun_ConcurrentWorkersShareCriteria(t *testing.T) {
	r, s := newTestRunner(t, nil)
	r.Concurrency = 4
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		writeFile(t, filepath.Join(root, "9999", "eval-"+name+".json"), goodReport)
	}

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Imported)

	// All six imports reference the same two criterion rows.
	ids := r.Resolver.Criteria([]string{"Greeting", "Resolution"})
	assert.Len(t, ids, 2)

	entries, err := s.LedgerList(context.Background(), store.LedgerFilter{Outcome: model.LedgerStored})
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestRun_RateLimitStillImportsEverything(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	r.RatePerSec = 200
	root := filepath.Join(t.TempDir(), "Week of 2026-08-24")
	writeFile(t, filepath.Join(root, "9999", "eval-a.json"), goodReport)
	writeFile(t, filepath.Join(root, "9999", "eval-b.json"), goodReport)

	sum, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Imported, "throttling must delay imports, not drop them")
}
