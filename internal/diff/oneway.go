package diff

import (
	"context"

	"github.com/schaermu/foldersyncd/internal/progress"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// OneWay mirrors source onto target. Files only in source are added, files
// only in target are removed (or kept with PreserveOrphans), and files on
// both sides are updated when their content differs. Content is hashed only
// when size or mtime differ, and only for that pair. Unchanged pairs present
// on both sides are marked Rebase so their baseline row can be recorded.
func OneWay(ctx context.Context, source, target *snapshot.Snapshot, hashes HashResolver, opts Options) (*Result, error) {
	sink := opts.sink()
	logger := opts.logger()

	paths := snapshot.UnionPaths([]*snapshot.Snapshot{source, target})
	res := &Result{Entries: make([]Entry, 0, len(paths))}

	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, inSource := source.Get(p)
		t, inTarget := target.Get(p)

		switch {
		case inSource && !inTarget:
			res.Entries = append(res.Entries, Entry{Path: p, Action: Add, Direction: SourceToTarget, Source: ref(s)})

		case !inSource && inTarget:
			if opts.PreserveOrphans {
				res.Entries = append(res.Entries, Entry{Path: p, Action: Unchanged, Direction: Both, Target: ref(t)})
			} else {
				res.Entries = append(res.Entries, Entry{Path: p, Action: Remove, Direction: SourceToTarget, Target: ref(t)})
			}

		case s.SameMeta(t):
			res.Entries = append(res.Entries, Entry{Path: p, Action: Unchanged, Direction: Both, Source: ref(s), Target: ref(t), Rebase: true})

		default:
			equal, err := comparePair(ctx, hashes, &s, &t)
			if err != nil {
				logger.Warnw("hashing failed, treating as modified", "path", p, "error", err)
			}
			if equal {
				res.Entries = append(res.Entries, Entry{Path: p, Action: Unchanged, Direction: Both, Source: ref(s), Target: ref(t), Rebase: true})
			} else {
				res.Entries = append(res.Entries, Entry{Path: p, Action: Update, Direction: SourceToTarget, Source: ref(s), Target: ref(t)})
			}
		}

		sink.Emit(progress.DiffProgress{FilesCompared: i + 1, TotalFiles: len(paths), CurrentFile: p})
	}

	sink.Emit(progress.DiffComplete{TotalEntries: len(res.Entries)})
	return res, nil
}
