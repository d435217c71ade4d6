package diff

import (
	"context"

	"github.com/schaermu/foldersyncd/internal/baseline"
	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// ThreeWay classifies paths for bidirectional sync. Each side is compared
// against its own state in the baseline, never against the other side, so
// the baseline decides which side actually changed since the last sync.
//
// A side counts as changed when its size or mtime differ from the baseline.
// Content is hashed only when both sides changed, or on a first sync with
// both present, and only if the two current states differ in size or mtime.
func ThreeWay(ctx context.Context, source, target *snapshot.Snapshot, base baseline.Baseline, hashes HashResolver, opts Options) (*Result, error) {
	sink := opts.sink()
	logger := opts.logger()

	paths := snapshot.UnionPaths([]*snapshot.Snapshot{source, target}, base.Paths())
	res := &Result{Entries: make([]Entry, 0, len(paths))}

	conflict := func(p string, kind ConflictKind, s, t *snapshot.FileState) {
		res.Entries = append(res.Entries, Entry{Path: p, Action: Conflict, Direction: Both, Source: s, Target: t})
		res.Conflicts = append(res.Conflicts, ConflictRecord{Path: p, Kind: kind, Source: s, Target: t})
	}

	// Baseline-only paths are not compared and emit no progress.
	total := 0
	for _, p := range paths {
		_, inSource := source.Get(p)
		_, inTarget := target.Get(p)
		if inSource || inTarget {
			total++
		}
	}

	compared := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, inSource := source.Get(p)
		t, inTarget := target.Get(p)
		b, inBase := base[p]

		if !inSource && !inTarget {
			// Deleted on both sides; only the baseline row is left.
			res.Stale = append(res.Stale, p)
			continue
		}

		if !inBase {
			switch {
			case inSource && !inTarget:
				res.Entries = append(res.Entries, Entry{Path: p, Action: Add, Direction: SourceToTarget, Source: ref(s)})
			case !inSource && inTarget:
				res.Entries = append(res.Entries, Entry{Path: p, Action: Add, Direction: TargetToSource, Target: ref(t)})
			case s.SameMeta(t):
				res.Entries = append(res.Entries, Entry{Path: p, Action: Unchanged, Direction: Both, Source: ref(s), Target: ref(t), Rebase: true})
			default:
				equal, err := comparePair(ctx, hashes, &s, &t)
				if err != nil {
					logger.Warnw("hashing failed on first sync", "path", p, "error", err)
				}
				if equal {
					res.Entries = append(res.Entries, Entry{Path: p, Action: Unchanged, Direction: Both, Source: ref(s), Target: ref(t), Rebase: true})
				} else {
					conflict(p, FirstSyncDiffers, ref(s), ref(t))
				}
			}
		} else {
			sourceChanged := inSource && !s.SameMeta(b.Source)
			targetChanged := inTarget && !t.SameMeta(b.Target)

			switch {
			case inSource && inTarget:
				switch {
				case !sourceChanged && !targetChanged:
					res.Entries = append(res.Entries, Entry{Path: p, Action: Unchanged, Direction: Both, Source: ref(s), Target: ref(t)})
				case sourceChanged && !targetChanged:
					res.Entries = append(res.Entries, Entry{Path: p, Action: Update, Direction: SourceToTarget, Source: ref(s), Target: ref(t)})
				case !sourceChanged && targetChanged:
					res.Entries = append(res.Entries, Entry{Path: p, Action: Update, Direction: TargetToSource, Source: ref(s), Target: ref(t)})
				case s.SameMeta(t):
					res.Entries = append(res.Entries, Entry{Path: p, Action: Unchanged, Direction: Both, Source: ref(s), Target: ref(t), Rebase: true})
				default:
					equal, err := comparePair(ctx, hashes, &s, &t)
					if err != nil {
						logger.Warnw("hashing failed for concurrent edit", "path", p, "error", err)
					}
					if equal {
						res.Entries = append(res.Entries, Entry{Path: p, Action: Unchanged, Direction: Both, Source: ref(s), Target: ref(t), Rebase: true})
					} else {
						conflict(p, BothModified, ref(s), ref(t))
					}
				}

			case !inSource:
				if targetChanged {
					conflict(p, DeletedAndModified, nil, ref(t))
				} else {
					res.Entries = append(res.Entries, Entry{Path: p, Action: Remove, Direction: SourceToTarget, Target: ref(t)})
				}

			default: // !inTarget
				if sourceChanged {
					conflict(p, DeletedAndModified, ref(s), nil)
				} else {
					res.Entries = append(res.Entries, Entry{Path: p, Action: Remove, Direction: TargetToSource, Source: ref(s)})
				}
			}
		}

		compared++
		sink.Emit(progress.DiffProgress{FilesCompared: compared, TotalFiles: total, CurrentFile: p})
	}

	sink.Emit(progress.DiffComplete{TotalEntries: len(res.Entries)})
	return res, nil
}
