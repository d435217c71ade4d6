// Package sync runs a scope end to end: it scans both roots, diffs them,
// resolves conflicts and executes the resulting plan.
package sync

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schaermu/foldersyncd/internal/baseline"
	"github.com/schaermu/foldersyncd/internal/config"
	"github.com/schaermu/foldersyncd/internal/conflict"
	"github.com/schaermu/foldersyncd/internal/diff"
	"github.com/schaermu/foldersyncd/internal/hashing"
	"github.com/schaermu/foldersyncd/internal/mount"
	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// ErrUnknownScope is returned for a scope ID missing from the configuration.
var ErrUnknownScope = errors.New("unknown scope")

// Options tunes a single run.
type Options struct {
	DryRun      bool
	Resolutions []conflict.Resolution
	// Strategy resolves conflicts without an explicit resolution. Empty
	// means the configured default.
	Strategy conflict.Strategy
	Sink     progress.Sink
	// Cancel is checked between file operations. A token is created when
	// nil; it is also set when the run's context is done.
	Cancel *CancelToken
}

// Engine orchestrates the sync process
type Engine struct {
	cfg       *config.Config
	baselines baseline.Store
	cache     hashing.Cache
	inspector mount.Inspector
	locks     *ScopeLocks
	logger    *zap.SugaredLogger
}

// NewEngine creates a new sync engine. cache backs the hash resolver of
// device targets and may be nil.
func NewEngine(cfg *config.Config, baselines baseline.Store, cache hashing.Cache, inspector mount.Inspector, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:       cfg,
		baselines: baselines,
		cache:     cache,
		inspector: inspector,
		locks:     NewScopeLocks(),
		logger:    logger,
	}
}

// Locks exposes the per-scope lock table so other writers of a scope's
// baseline can serialize with running syncs.
func (e *Engine) Locks() *ScopeLocks {
	return e.locks
}

// Plan computes the finalized plan of a scope without touching either root.
func (e *Engine) Plan(ctx context.Context, scopeID string, opts Options) (*Report, error) {
	opts.DryRun = true
	return e.Run(ctx, scopeID, opts)
}

// Run executes the complete sync process for one scope. A second run of the
// same scope while one is in flight fails with ErrScopeBusy.
func (e *Engine) Run(ctx context.Context, scopeID string, opts Options) (*Report, error) {
	scope, ok := e.cfg.Scope(scopeID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownScope, "%s", scopeID)
	}

	release, err := e.locks.TryAcquire(scope.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	report := &Report{
		RunID:     uuid.New().String(),
		Scope:     scope,
		DryRun:    opts.DryRun,
		StartedAt: time.Now(),
	}
	logger := e.logger.With("scope", scope.ID, "run_id", report.RunID)
	sink := progress.OrDiscard(opts.Sink)

	logger.Infow("starting sync",
		"source", scope.Source,
		"target", scope.Target,
		"mode", scope.Mode,
		"dry_run", opts.DryRun)

	if e.inspector != nil {
		if err := e.inspector.Check(ctx, scope.Source, false); err != nil {
			return nil, errors.Wrap(err, "source root not reachable")
		}
		if err := e.inspector.Check(ctx, scope.Target, scope.TargetIsMount); err != nil {
			return nil, errors.Wrap(errors.Mark(err, ErrDeviceDisconnected), "target root not reachable")
		}
	}

	matcher, err := snapshot.NewMatcher(scope.Exclude)
	if err != nil {
		return nil, errors.Wrap(err, "invalid exclude patterns")
	}
	scanOpts := snapshot.ScanOptions{IncludeHidden: scope.IncludeHidden, Exclude: matcher, Sink: sink}

	source, err := snapshot.Scan(ctx, scope.Source, scanOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan source")
	}
	target, err := snapshot.Scan(ctx, scope.Target, scanOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan target")
	}
	logger.Infow("scanned roots", "source_files", source.Len(), "target_files", target.Len())

	hashes := e.resolvers(scope)
	diffOpts := diff.Options{PreserveOrphans: scope.PreserveOrphans, Sink: sink, Logger: logger}

	var raw *diff.Result
	if scope.Mode == config.ModeTwoWay {
		if e.baselines == nil {
			return nil, errors.New("two-way sync needs a baseline store")
		}
		base, err := e.baselines.LoadBaseline(ctx, scope.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load baseline")
		}
		raw, err = diff.ThreeWay(ctx, source, target, base, hashes, diffOpts)
		if err != nil {
			return nil, errors.Wrap(err, "failed to diff")
		}
	} else {
		raw, err = diff.OneWay(ctx, source, target, hashes, diffOpts)
		if err != nil {
			return nil, errors.Wrap(err, "failed to diff")
		}
		if e.baselines != nil {
			base, err := e.baselines.LoadBaseline(ctx, scope.ID)
			if err != nil {
				return nil, errors.Wrap(err, "failed to load baseline")
			}
			settleOneWay(raw, base)
		}
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy, err = conflict.ParseStrategy(e.cfg.Sync.DefaultStrategy)
		if err != nil {
			return nil, err
		}
	}
	plan, err := conflict.Apply(raw, opts.Resolutions, strategy)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve conflicts")
	}
	report.Plan = plan
	report.Conflicts = raw.Conflicts

	summary := plan.Summary()
	logger.Infow("sync plan",
		"add", summary.Add,
		"update", summary.Update,
		"remove", summary.Remove,
		"conflicts", len(raw.Conflicts),
		"skipped", len(plan.Skipped))

	// check for dry-run mode
	if opts.DryRun {
		e.logPlanDetails(logger, plan)
		logger.Info("dry-run complete, no changes applied")
		report.FinishedAt = time.Now()
		return report, nil
	}

	e.checkFreeSpace(ctx, logger, scope, plan)

	cancel := opts.Cancel
	if cancel == nil {
		cancel = NewCancelToken()
	}
	stop := cancel.CancelOnDone(ctx)
	defer stop()

	exec := &Executor{
		Scope:         scope.ID,
		SourceRoot:    scope.Source,
		TargetRoot:    scope.Target,
		TargetIsMount: scope.TargetIsMount,
		Inspector:     e.inspector,
		Baselines:     e.baselines,
		Hashes:        hashes,
		Sink:          sink,
		Logger:        logger,
	}
	// The token stops execution between files. The detached context keeps
	// baseline writes of finished files working after ctx is done.
	res, err := exec.Execute(context.WithoutCancel(ctx), plan, cancel)
	report.Result = res
	report.FinishedAt = time.Now()
	if err != nil {
		return report, err
	}

	logger.Infow("sync finished",
		"outcome", res.Outcome,
		"completed", res.Stats.Completed,
		"failed", res.Stats.Failed,
		"not_attempted", res.Stats.NotAttempted,
		"duration", res.Duration)
	return report, nil
}

// resolvers builds the hash resolvers of a scope. Only device targets are
// backed by the persistent cache.
func (e *Engine) resolvers(scope config.Scope) hashing.Pair {
	var targetCache hashing.Cache
	if scope.Kind == config.KindDevice {
		targetCache = e.cache
	}
	return hashing.Pair{
		Source: hashing.NewResolver(scope.Source, scope.ID, nil, nil, e.logger),
		Target: hashing.NewResolver(scope.Target, scope.ID, nil, targetCache, e.logger),
	}
}

// settleOneWay adjusts a one-way plan against the stored baseline, which the
// one-way diff does not consult. Unchanged pairs already recorded as they are
// need no rewrite, and rows of paths gone from both sides become stale.
func settleOneWay(plan *diff.Result, base baseline.Baseline) {
	seen := make(map[string]bool, len(plan.Entries))
	for i := range plan.Entries {
		entry := &plan.Entries[i]
		seen[entry.Path] = true
		if !entry.Rebase || entry.Source == nil || entry.Target == nil {
			continue
		}
		if row, ok := base[entry.Path]; ok && row.Source.SameMeta(*entry.Source) && row.Target.SameMeta(*entry.Target) {
			entry.Rebase = false
		}
	}
	for p := range base {
		if !seen[p] {
			plan.Stale = append(plan.Stale, p)
		}
	}
	sort.Strings(plan.Stale)
}

// checkFreeSpace warns when a side receives more bytes than its file system
// reports as free. The run continues; per-file errors catch a full disk.
func (e *Engine) checkFreeSpace(ctx context.Context, logger *zap.SugaredLogger, scope config.Scope, plan *diff.Result) {
	if e.inspector == nil {
		return
	}
	need := map[snapshot.Side]uint64{}
	for _, entry := range plan.FileOps() {
		if entry.Action == diff.Remove {
			continue
		}
		if info := entry.Info(entry.Direction.From()); info != nil {
			need[entry.Direction.To()] += uint64(info.Size)
		}
	}
	roots := map[snapshot.Side]string{snapshot.Source: scope.Source, snapshot.Target: scope.Target}
	for side, bytes := range need {
		free, err := e.inspector.FreeBytes(ctx, roots[side])
		if err != nil {
			logger.Debugw("could not determine free space", "side", side.String(), "error", err)
			continue
		}
		if free < bytes {
			logger.Warnw("not enough free space for all changes",
				"side", side.String(),
				"root", roots[side],
				"needed_bytes", bytes,
				"free_bytes", free)
		}
	}
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(logger *zap.SugaredLogger, plan *diff.Result) {
	for _, entry := range plan.FileOps() {
		logger.Infow("[dry-run] would "+entry.Action.String(),
			"path", entry.Path,
			"direction", entry.Direction.String(),
			"origin", entry.Origin)
	}
	for _, p := range plan.Skipped {
		logger.Infow("[dry-run] would skip conflict", "path", p)
	}
}
