package hashing

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/schaermu/foldersyncd/internal/snapshot"
)

// Entry is a cached hash together with the file metadata it was computed for.
type Entry struct {
	Scope   string
	Path    string
	Size    int64
	ModTime int64
	Hash    string
}

// Matches reports whether the entry is still valid for a file with the given
// size and modification time.
func (e Entry) Matches(size, modTime int64) bool {
	return e.Size == size && e.ModTime == modTime
}

// Cache persists hashes keyed by (scope, relative path).
type Cache interface {
	GetHash(ctx context.Context, scope, path string) (Entry, bool, error)
	PutHash(ctx context.Context, e Entry) error
	DeleteHash(ctx context.Context, scope, path string) error
}

// Resolver resolves content hashes for the files of one root. When a cache is
// configured, a cached hash is returned without touching the file as long as
// the stored size and mtime match.
type Resolver struct {
	root   string
	scope  string
	hasher Hasher
	cache  Cache
	logger *zap.SugaredLogger
}

// NewResolver creates a resolver for root. cache may be nil, in which case
// every call hashes the file.
func NewResolver(root, scope string, hasher Hasher, cache Cache, logger *zap.SugaredLogger) *Resolver {
	if hasher == nil {
		hasher = Blake3{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resolver{
		root:   root,
		scope:  scope,
		hasher: hasher,
		cache:  cache,
		logger: logger,
	}
}

// Cached reports whether the resolver is backed by a cache.
func (r *Resolver) Cached() bool {
	return r.cache != nil
}

// Resolve returns the hash of f, using f.Hash when already populated.
func (r *Resolver) Resolve(ctx context.Context, f snapshot.FileState) (string, error) {
	if f.Hash != "" {
		return f.Hash, nil
	}

	if r.cache != nil {
		entry, ok, err := r.cache.GetHash(ctx, r.scope, f.Path)
		if err != nil {
			// A broken cache only costs a re-read.
			r.logger.Warnw("hash cache lookup failed", "scope", r.scope, "path", f.Path, "error", err)
		} else if ok && entry.Matches(f.Size, f.ModTime) {
			return entry.Hash, nil
		}
	}

	sum, err := r.hasher.HashFile(filepath.Join(r.root, filepath.FromSlash(f.Path)))
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve hash for %s", f.Path)
	}

	if r.cache != nil {
		if err := r.cache.PutHash(ctx, Entry{
			Scope:   r.scope,
			Path:    f.Path,
			Size:    f.Size,
			ModTime: f.ModTime,
			Hash:    sum,
		}); err != nil {
			r.logger.Warnw("failed to update hash cache", "scope", r.scope, "path", f.Path, "error", err)
		}
	}
	return sum, nil
}

// Record stores a hash that was computed elsewhere, e.g. while a file was
// being copied. It is a no-op without a cache or without a hash.
func (r *Resolver) Record(ctx context.Context, f snapshot.FileState) error {
	if r.cache == nil || f.Hash == "" {
		return nil
	}
	return r.cache.PutHash(ctx, Entry{
		Scope:   r.scope,
		Path:    f.Path,
		Size:    f.Size,
		ModTime: f.ModTime,
		Hash:    f.Hash,
	})
}

// Forget drops the cache entry for path.
func (r *Resolver) Forget(ctx context.Context, path string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.DeleteHash(ctx, r.scope, path)
}

// Pair resolves hashes for both sides of a sync pair.
type Pair struct {
	Source *Resolver
	Target *Resolver
}

// For returns the resolver of side.
func (p Pair) For(side snapshot.Side) *Resolver {
	if side == snapshot.Target {
		return p.Target
	}
	return p.Source
}

// Hash resolves the hash of f on side.
func (p Pair) Hash(ctx context.Context, side snapshot.Side, f snapshot.FileState) (string, error) {
	r := p.For(side)
	if r == nil {
		return "", errors.Newf("no hash resolver for %s side", side)
	}
	return r.Resolve(ctx, f)
}
