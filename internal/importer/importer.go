package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teleperf/phoneqa/internal/batch"
	"github.com/teleperf/phoneqa/internal/model"
	"github.com/teleperf/phoneqa/internal/report"
	"github.com/teleperf/phoneqa/internal/resilience"
	"github.com/teleperf/phoneqa/internal/store"
)

// Runner executes import runs. Zero values select sane defaults: one worker,
// no rate limit, default retry tuning.
type Runner struct {
	Store      store.Store
	Discoverer batch.Discoverer
	Marker     batch.Marker
	Resolver   *Resolver
	ParseOpts  report.Options
	Retry      resilience.RetryConfig

	// Concurrency is the number of files processed in parallel.
	Concurrency int

	// RatePerSec caps store commits per second across all workers. Zero
	// means unlimited.
	RatePerSec float64
}

// Run processes every eligible file under root and returns the run summary.
// A non-nil error means the run could not start or was cancelled; per-file
// failures are recorded in the summary, not returned.
func (r *Runner) Run(ctx context.Context, root string) (*model.RunSummary, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: batch root %s", root)
	}
	if !info.IsDir() {
		return nil, eris.Errorf("importer: batch root %s is not a directory", root)
	}
	if err := r.Store.Ping(ctx); err != nil {
		return nil, eris.Wrap(err, "importer: store unreachable")
	}

	files, err := r.Discoverer.Discover(root)
	if err != nil {
		return nil, err
	}

	sum := &model.RunSummary{
		ID:        uuid.NewString(),
		BatchRoot: root,
		StartedAt: time.Now().UTC(),
	}
	zap.L().Info("import run started",
		zap.String("run_id", sum.ID),
		zap.String("batch_root", root),
		zap.Int("files", len(files)),
	)

	var limiter *rate.Limiter
	if r.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.RatePerSec), 1)
	}

	workers := r.Concurrency
	if workers < 1 {
		workers = 1
	}

	outcomes := make([]model.FileOutcome, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := r.processFile(gctx, root, f, limiter)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()

	sum.FinishedAt = time.Now().UTC()
	for _, out := range outcomes {
		if out.Path == "" {
			continue // never processed: run was cancelled
		}
		sum.Outcomes = append(sum.Outcomes, out)
		switch {
		case out.Duplicate:
			sum.Duplicates++
		case out.State == model.FileStored:
			sum.Imported++
		case out.State == model.FileQuarantined:
			sum.Quarantined++
		}
		if out.Attempts > 1 {
			sum.Retried++
		}
	}

	if err := r.Store.RecordRun(ctx, sum); err != nil {
		zap.L().Warn("run summary not recorded", zap.String("run_id", sum.ID), zap.Error(err))
	}

	zap.L().Info("import run finished",
		zap.String("run_id", sum.ID),
		zap.Int("imported", sum.Imported),
		zap.Int("quarantined", sum.Quarantined),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("retried", sum.Retried),
	)

	if waitErr != nil {
		return sum, waitErr
	}
	return sum, eris.Wrap(ctx.Err(), "importer: run cancelled")
}

// sourceKey is the at-most-once identity of a file: batch name plus the path
// relative to the batch root. It survives re-mounting the batch tree under a
// different absolute path.
func sourceKey(root string, f model.SourceFile) string {
	rel, err := filepath.Rel(root, f.Path)
	if err != nil {
		rel = filepath.Base(f.Path)
	}
	return filepath.ToSlash(filepath.Join(f.Batch, rel))
}

func (r *Runner) processFile(ctx context.Context, root string, f model.SourceFile, limiter *rate.Limiter) model.FileOutcome {
	out := model.FileOutcome{Path: f.Path, State: model.FileDiscovered, Attempts: 1}

	var raw []byte
	if err := r.withRetry(ctx, "read file", f.Path, func(context.Context) error {
		var readErr error
		raw, readErr = os.ReadFile(f.Path)
		return readErr
	}); err != nil {
		if interrupted(ctx, &out, model.StageParsing, err) {
			return out
		}
		out.Transient = resilience.IsTransient(err)
		reason := resilience.ClassifyError(err) + ": " + err.Error()
		return r.quarantine(ctx, sourceKey(root, f), "", model.StageParsing, reason, out)
	}

	digest := sha256.Sum256(raw)
	hash := hex.EncodeToString(digest[:])
	key := sourceKey(root, f)

	opts := r.ParseOpts
	opts.FallbackAgent = batch.AgentFromPath(root, f.Path)
	opts.FallbackOccurredAt = f.ModTime

	rep, err := report.Parse(raw, opts)
	var mal *report.MalformedError
	if errors.As(err, &mal) {
		return r.quarantine(ctx, key, hash, model.StageParsing, mal.Error(), out)
	}
	if err != nil {
		out.Stage = model.StageParsing
		out.Reason = err.Error()
		return out
	}
	rep.SourceFile = key

	agent := r.Resolver.Agent(rep.Agent)

	if err := r.withRetry(ctx, "ledger attempt", f.Path, func(ctx context.Context) error {
		return r.Store.LedgerAttempt(ctx, key, hash)
	}); err != nil {
		if interrupted(ctx, &out, model.StageResolving, err) {
			return out
		}
		out.Transient = resilience.IsTransient(err)
		reason := resilience.ClassifyError(err) + ": " + err.Error()
		return r.quarantine(ctx, key, hash, model.StageResolving, reason, out)
	}

	cfg := r.Retry
	retryLog := resilience.RetryLogger("import", f.Path)
	cfg.OnRetry = func(attempt int, err error) {
		out.Attempts = attempt + 1
		retryLog(attempt, err)
	}
	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*store.ImportResult, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return r.Store.ImportReport(ctx, store.ImportInput{
			Agent:            agent,
			Report:           rep,
			ResolvedCriteria: r.Resolver.Criteria(rep.CriterionNames()),
		})
	})
	switch {
	case errors.Is(err, store.ErrDuplicateImport):
		// Already committed by an earlier run that died before the rename.
		// Marking it now closes the crash window.
		out.Duplicate = true
		zap.L().Info("duplicate import replayed", zap.String("file", f.Path))
	case err != nil:
		if interrupted(ctx, &out, model.StageCommitting, err) {
			return out
		}
		// Retries are exhausted (or the failure was never retryable). The
		// reason carries the classification so an operator can tell a
		// data problem from an infrastructure one and re-run the latter.
		out.Transient = resilience.IsTransient(err)
		reason := resilience.ClassifyError(err) + ": " + err.Error()
		zap.L().Error("import commit failed",
			zap.String("file", f.Path),
			zap.String("class", resilience.ClassifyError(err)),
			zap.Error(err),
		)
		return r.quarantine(ctx, key, hash, model.StageCommitting, reason, out)
	default:
		r.Resolver.Observe(res.CriterionIDs)
	}

	if err := r.withRetry(ctx, "ledger committed", f.Path, func(ctx context.Context) error {
		return r.Store.LedgerCommitted(ctx, key)
	}); err != nil {
		// Data is committed; the unmarked file replays benignly next run.
		out.Stage = model.StageMarking
		out.Reason = err.Error()
		out.Transient = resilience.IsTransient(err)
		return out
	}

	if err := r.Marker.MarkStored(f.Path); err != nil {
		// Ledger stays committed-unmarked: the crash window stays visible.
		out.Stage = model.StageMarking
		out.Reason = err.Error()
		out.Transient = true
		return out
	}

	if err := r.withRetry(ctx, "ledger marked", f.Path, func(ctx context.Context) error {
		return r.Store.LedgerMarked(ctx, key, model.LedgerStored, "")
	}); err != nil {
		zap.L().Warn("ledger mark not recorded", zap.String("file", f.Path), zap.Error(err))
	}

	out.State = model.FileStored
	return out
}

// interrupted reports whether the run context was cancelled. A cancelled run
// leaves the file unmarked and eligible for the next run; cancellation is
// never a verdict on the file itself.
func interrupted(ctx context.Context, out *model.FileOutcome, stage model.Stage, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	out.Stage = stage
	out.Reason = err.Error()
	out.Transient = true
	return true
}

// quarantine routes a failed file out of the batch: malformed content and
// exhausted commit retries both land here. No partial data persists; the
// ledger records the stage and reason for operator triage.
func (r *Runner) quarantine(ctx context.Context, key, hash string, stage model.Stage, reason string, out model.FileOutcome) model.FileOutcome {
	zap.L().Warn("quarantining report",
		zap.String("file", out.Path),
		zap.String("reason", reason),
	)

	if err := r.withRetry(ctx, "ledger attempt", out.Path, func(ctx context.Context) error {
		return r.Store.LedgerAttempt(ctx, key, hash)
	}); err != nil {
		zap.L().Warn("ledger attempt not recorded", zap.String("file", out.Path), zap.Error(err))
	}

	if err := r.Marker.MarkQuarantined(out.Path); err != nil {
		out.Stage = model.StageMarking
		out.Reason = err.Error()
		out.Transient = true
		return out
	}

	if err := r.withRetry(ctx, "ledger marked", out.Path, func(ctx context.Context) error {
		return r.Store.LedgerMarked(ctx, key, model.LedgerQuarantined, reason)
	}); err != nil {
		zap.L().Warn("ledger mark not recorded", zap.String("file", out.Path), zap.Error(err))
	}

	out.State = model.FileQuarantined
	out.Stage = stage
	out.Reason = reason
	return out
}

func (r *Runner) withRetry(ctx context.Context, operation, file string, fn func(ctx context.Context) error) error {
	cfg := r.Retry
	cfg.OnRetry = func(attempt int, err error) {
		resilience.RetryLogger(operation, file)(attempt, err)
	}
	return resilience.Do(ctx, cfg, fn)
}
