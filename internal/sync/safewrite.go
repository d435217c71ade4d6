package sync

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/schaermu/foldersyncd/internal/hashing"
	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// beforeRename runs after the temp file is durable and before it replaces
// the destination. Tests use it to inject failures.
var beforeRename func(tmpPath string) error

// written describes the file produced by copyFile.
type written struct {
	Size    int64
	ModTime int64
	Hash    string
}

// copyFile copies src to dst with atomic write: the bytes go to a temp
// sibling of dst, which is synced, closed and renamed over dst. The source
// modification time is then applied to dst. The content hash is computed
// from the bytes as they are copied.
func copyFile(src, dst string) (written, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return written{}, errors.Wrap(err, "failed to create parent directory")
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return written{}, errors.Wrap(err, "failed to open source")
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return written{}, errors.Wrap(err, "failed to stat source")
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), snapshot.TempPrefix+"*")
	if err != nil {
		return written{}, errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h := hashing.New()
	n, err := io.Copy(io.MultiWriter(tmpFile, h), srcFile)
	if err != nil {
		return written{}, errors.Wrap(err, "failed to copy content")
	}
	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		return written{}, errors.Wrap(err, "failed to set permissions")
	}
	if err := tmpFile.Sync(); err != nil {
		return written{}, errors.Wrap(err, "failed to sync temp file")
	}
	if err := tmpFile.Close(); err != nil {
		return written{}, errors.Wrap(err, "failed to close temp file")
	}

	if beforeRename != nil {
		if err := beforeRename(tmpPath); err != nil {
			return written{}, err
		}
	}

	// Atomic rename
	if err := os.Rename(tmpPath, dst); err != nil {
		return written{}, errors.Wrap(err, "failed to move temp file into place")
	}
	committed = true

	mtime := srcInfo.ModTime()
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		return written{}, errors.Wrap(err, "failed to set modification time")
	}

	return written{Size: n, ModTime: mtime.Unix(), Hash: hashing.Sum(h)}, nil
}

// removeFile deletes path and then every ancestor directory that became
// empty, stopping at root. A missing file is not an error.
func removeFile(root, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete file")
	}
	pruneEmptyDirs(root, filepath.Dir(path))
	return nil
}

// pruneEmptyDirs removes dir and its parents while they are empty, never
// touching root itself.
func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
		// os.Remove refuses non-empty directories.
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// moveFile renames from to to within one root, creating parents of to and
// pruning parents of from that became empty.
func moveFile(root, from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return errors.Wrap(err, "failed to create parent directory")
	}
	if _, err := os.Lstat(to); err == nil {
		return errors.Newf("refusing to overwrite existing %s", to)
	}
	if err := os.Rename(from, to); err != nil {
		return errors.Wrap(err, "failed to rename")
	}
	pruneEmptyDirs(root, filepath.Dir(from))
	return nil
}
