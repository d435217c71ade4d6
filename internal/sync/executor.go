package sync

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/schaermu/foldersyncd/internal/baseline"
	"github.com/schaermu/foldersyncd/internal/diff"
	"github.com/schaermu/foldersyncd/internal/hashing"
	"github.com/schaermu/foldersyncd/internal/mount"
	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// ErrDeviceDisconnected aborts a run when a root stops being reachable
// between file operations.
var ErrDeviceDisconnected = errors.New("device disconnected")

// Executor applies a finalized plan to the two roots of a scope.
type Executor struct {
	Scope      string
	SourceRoot string
	TargetRoot string

	// TargetIsMount makes every reachability check require the target to
	// be a mounted device.
	TargetIsMount bool
	Inspector     mount.Inspector

	// Baselines records the state of every completed path. Nil disables
	// baseline bookkeeping.
	Baselines baseline.Store
	Hashes    hashing.Pair
	Sink      progress.Sink
	Logger    *zap.SugaredLogger

	now func() time.Time
}

func (x *Executor) root(side snapshot.Side) string {
	if side == snapshot.Target {
		return x.TargetRoot
	}
	return x.SourceRoot
}

func (x *Executor) abs(side snapshot.Side, rel string) string {
	return (&snapshot.Snapshot{Root: x.root(side)}).Abs(rel)
}

func (x *Executor) log() *zap.SugaredLogger {
	if x.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return x.Logger
}

func (x *Executor) clock() time.Time {
	if x.now != nil {
		return x.now()
	}
	return time.Now()
}

// reachable verifies both roots before a file operation.
func (x *Executor) reachable(ctx context.Context) error {
	if x.Inspector == nil {
		return nil
	}
	if err := x.Inspector.Check(ctx, x.SourceRoot, false); err != nil {
		return err
	}
	return x.Inspector.Check(ctx, x.TargetRoot, x.TargetIsMount)
}

// Execute runs every file operation of plan in path order. Per-file failures
// are recorded and do not stop the run. Cancellation is checked before each
// operation and ends the run with OutcomeCancelled and no error. A root that
// becomes unreachable ends the run with OutcomeAborted and an error wrapping
// ErrDeviceDisconnected. Baseline rows are written only for operations that
// completed; Rebase and Stale entries are applied unless the run aborted.
func (x *Executor) Execute(ctx context.Context, plan *diff.Result, cancel *CancelToken) (*Result, error) {
	sink := progress.OrDiscard(x.Sink)
	logger := x.log()

	entries := append([]diff.Entry(nil), plan.Entries...)
	diff.SortEntries(entries)

	var ops []diff.Entry
	var totalBytes int64
	for _, e := range entries {
		if !e.IsFileOp() {
			continue
		}
		ops = append(ops, e)
		if e.Action != diff.Remove {
			if info := e.Info(e.Direction.From()); info != nil {
				totalBytes += info.Size
			}
		}
	}

	start := x.clock()
	res := &Result{Outcome: OutcomeCompleted, Stats: Stats{Planned: len(ops)}}
	sink.Emit(progress.SyncStarted{TotalFiles: len(ops), TotalBytes: totalBytes})

	// Paths whose move-aside failed; nothing may be written over them.
	blocked := make(map[snapshot.Side]map[string]bool)
	block := func(side snapshot.Side, p string) {
		if blocked[side] == nil {
			blocked[side] = make(map[string]bool)
		}
		blocked[side][p] = true
	}

	for i, e := range ops {
		if cancel.Cancelled() || ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			res.Stats.NotAttempted = len(ops) - i
			logger.Infow("sync cancelled", "scope", x.Scope, "completed", res.Stats.Completed, "not_attempted", res.Stats.NotAttempted)
			break
		}

		if err := x.reachable(ctx); err != nil {
			res.Outcome = OutcomeAborted
			res.Stats.NotAttempted = len(ops) - i
			res.Duration = x.clock().Sub(start)
			logger.Errorw("root unreachable, aborting", "scope", x.Scope, "error", err)
			return res, errors.Wrapf(errors.Mark(err, ErrDeviceDisconnected), "scope %s", x.Scope)
		}

		n, err := x.apply(ctx, e, blocked, block)
		if err != nil {
			fe := FileError{Path: e.Path, Op: e.Action.String(), Err: err}
			res.Errors = append(res.Errors, fe)
			res.Stats.Failed++
			logger.Warnw("file operation failed", "scope", x.Scope, "path", e.Path, "action", e.Action.String(), "error", err)
			sink.Emit(progress.SyncError{File: e.Path, Message: err.Error()})
		} else {
			res.Stats.Completed++
			res.Stats.BytesCopied += n
			res.Completed = append(res.Completed, e.Path)
		}

		sink.Emit(progress.SyncProgress{
			FilesCompleted: res.Stats.Completed + res.Stats.Failed,
			TotalFiles:     len(ops),
			BytesCompleted: res.Stats.BytesCopied,
			TotalBytes:     totalBytes,
			CurrentFile:    e.Path,
		})
	}

	x.settleBaseline(ctx, entries, plan.Stale, res, logger)

	res.Duration = x.clock().Sub(start)
	sink.Emit(progress.SyncComplete{FilesSynced: res.Stats.Completed, Duration: res.Duration})
	return res, nil
}

// apply performs one file operation and records its result in the hash
// cache and the baseline. It returns the number of bytes copied.
func (x *Executor) apply(ctx context.Context, e diff.Entry, blocked map[snapshot.Side]map[string]bool, block func(snapshot.Side, string)) (int64, error) {
	from, to := e.Direction.From(), e.Direction.To()

	if e.Action == diff.Remove {
		// For Remove, the direction names where the deletion happened.
		if err := removeFile(x.root(to), x.abs(to, e.Path)); err != nil {
			return 0, err
		}
		x.forget(ctx, to, e.Path)
		if x.Baselines != nil {
			if err := x.Baselines.DeleteBaseline(ctx, x.Scope, e.Path); err != nil {
				return 0, errors.Wrap(err, "file removed but baseline not updated")
			}
		}
		return 0, nil
	}

	if e.RenameOrigin {
		if err := moveFile(x.root(from), x.abs(from, e.Origin), x.abs(from, e.Path)); err != nil {
			block(from, e.Origin)
			return 0, errors.Wrapf(err, "failed to move %s aside", e.Origin)
		}
		x.forget(ctx, from, e.Origin)
	}

	if blocked[to][e.Path] {
		return 0, errors.Newf("%s was not moved aside on the %s side", e.Path, to)
	}

	srcRel := e.OriginPath()
	if e.RenameOrigin {
		srcRel = e.Path
	}
	w, err := copyFile(x.abs(from, srcRel), x.abs(to, e.Path))
	if err != nil {
		return 0, err
	}

	state := snapshot.FileState{Path: e.Path, Size: w.Size, ModTime: w.ModTime, Hash: w.Hash}
	x.record(ctx, from, state)
	x.record(ctx, to, state)

	if x.Baselines != nil {
		if err := x.Baselines.PutBaseline(ctx, x.Scope, e.Path, baseline.Entry{
			Source:     state,
			Target:     state,
			SnapshotAt: x.clock().Unix(),
		}); err != nil {
			return w.Size, errors.Wrap(err, "file copied but baseline not updated")
		}
	}
	return w.Size, nil
}

// settleBaseline writes rows for convergent entries and drops rows of paths
// gone from both sides.
func (x *Executor) settleBaseline(ctx context.Context, entries []diff.Entry, stale []string, res *Result, logger *zap.SugaredLogger) {
	if x.Baselines == nil {
		return
	}
	for _, e := range entries {
		if e.Action != diff.Unchanged || !e.Rebase || e.Source == nil || e.Target == nil {
			continue
		}
		if err := x.Baselines.PutBaseline(ctx, x.Scope, e.Path, baseline.Entry{
			Source:     *e.Source,
			Target:     *e.Target,
			SnapshotAt: x.clock().Unix(),
		}); err != nil {
			logger.Warnw("failed to record baseline", "scope", x.Scope, "path", e.Path, "error", err)
			res.Errors = append(res.Errors, FileError{Path: e.Path, Op: "baseline", Err: err})
		}
	}
	for _, p := range stale {
		if err := x.Baselines.DeleteBaseline(ctx, x.Scope, p); err != nil {
			logger.Warnw("failed to drop stale baseline", "scope", x.Scope, "path", p, "error", err)
			res.Errors = append(res.Errors, FileError{Path: p, Op: "baseline", Err: err})
		}
	}
}

func (x *Executor) record(ctx context.Context, side snapshot.Side, f snapshot.FileState) {
	r := x.Hashes.For(side)
	if r == nil {
		return
	}
	if err := r.Record(ctx, f); err != nil {
		x.log().Warnw("failed to update hash cache", "scope", x.Scope, "path", f.Path, "error", err)
	}
}

func (x *Executor) forget(ctx context.Context, side snapshot.Side, p string) {
	r := x.Hashes.For(side)
	if r == nil {
		return
	}
	if err := r.Forget(ctx, p); err != nil {
		x.log().Warnw("failed to drop hash cache entry", "scope", x.Scope, "path", p, "error", err)
	}
}
