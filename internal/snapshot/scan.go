package snapshot

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/schaermu/foldersyncd/internal/progress"
)

// TempPrefix is the name prefix of the engine's in-flight temporary files.
// The scanner never reports them.
const TempPrefix = ".foldersyncd-tmp-"

// ScanOptions controls which files a scan reports.
type ScanOptions struct {
	// IncludeHidden reports dot files and descends into dot directories.
	IncludeHidden bool
	// Exclude prunes matching files and directories.
	Exclude *Matcher
	// Sink receives scan events. May be nil.
	Sink progress.Sink
}

// Scan walks root and returns a snapshot of every regular file below it.
// Symlinks and special files are skipped. An unreadable or missing root is an
// error; unreadable entries below the root are skipped.
func Scan(ctx context.Context, root string, opts ScanOptions) (*Snapshot, error) {
	sink := progress.OrDiscard(opts.Sink)
	start := time.Now()

	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat root %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Newf("root %s is not a directory", root)
	}

	sink.Emit(progress.ScanStarted{Path: root})

	snap := New(root)
	found := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return walkErr
		}
		if walkErr != nil {
			// Unreadable subtree; leave it out of the snapshot.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.Wrap(err, "failed to compute relative path")
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()

		if skipName(name, opts.IncludeHidden) || opts.Exclude.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		found++
		fi, err := d.Info()
		if err != nil {
			// Removed between readdir and stat.
			return nil
		}
		snap.Add(FileState{
			Path:    rel,
			Size:    fi.Size(),
			ModTime: fi.ModTime().Unix(),
		})
		sink.Emit(progress.ScanProgress{
			FilesFound:     found,
			FilesProcessed: snap.Len(),
			CurrentFile:    rel,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", root)
	}

	sink.Emit(progress.ScanComplete{TotalFiles: snap.Len(), Duration: time.Since(start)})
	return snap, nil
}

func skipName(name string, includeHidden bool) bool {
	if strings.HasPrefix(name, TempPrefix) {
		return true
	}
	return !includeHidden && strings.HasPrefix(name, ".")
}
